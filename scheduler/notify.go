package scheduler

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"healthwatch/diagnosis"
)

// EventKind distinguishes an alert from the all-clear that follows it.
type EventKind string

const (
	EventAlert     EventKind = "alert"
	EventRecovered EventKind = "recovered"
)

// Event is handed to a Notifier when critical findings appear, change or
// clear.
type Event struct {
	Kind   EventKind
	Codes  []string // critical finding codes, sorted
	Report *diagnosis.Report
}

// Notifier delivers operator alerts. Paging integrations implement it.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event", string(ev.Kind)),
		zap.Strings("codes", ev.Codes),
	}
	if ev.Report != nil {
		fields = append(fields, zap.String("cycle_id", ev.Report.CycleID))
	}
	if ev.Kind == EventAlert {
		n.Log.Error("critical health findings", fields...)
		return nil
	}
	n.Log.Info("health recovered", fields...)
	return nil
}

// alertState debounces critical findings: an alert is raised after
// alertAfter consecutive critical cycles and re-raised only when the set of
// critical codes changes.
type alertState struct {
	alertAfter int
	streak     int
	active     []string
}

func criticalCodes(fs []diagnosis.Finding) []string {
	var out []string
	for _, f := range fs {
		if f.Severity == diagnosis.SeverityCritical && !slices.Contains(out, f.Code) {
			out = append(out, f.Code)
		}
	}
	slices.Sort(out)
	return out
}

// next returns the event to emit for this cycle, if any.
func (a *alertState) next(r *diagnosis.Report) (Event, bool) {
	codes := criticalCodes(r.Findings)
	if len(codes) == 0 {
		a.streak = 0
		if a.active == nil {
			return Event{}, false
		}
		a.active = nil
		return Event{Kind: EventRecovered, Report: r}, true
	}

	a.streak++
	if a.streak < a.alertAfter {
		return Event{}, false
	}
	if a.active != nil && strings.Join(a.active, ",") == strings.Join(codes, ",") {
		return Event{}, false
	}
	a.active = codes
	return Event{Kind: EventAlert, Codes: codes, Report: r}, true
}
