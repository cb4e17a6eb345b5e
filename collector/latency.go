package collector

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"healthwatch/logger"
)

// ProbeTarget describes how to reach the external API directly and through
// the relay. It is read once from configuration.
type ProbeTarget struct {
	DirectBase string // e.g. https://api.example.org
	RelayBase  string // e.g. http://127.0.0.1:8081
	Path       string // lightweight authenticated call, e.g. /v1/me
	Token      string
}

// DeliveryChecker sends a message through the service and waits until a
// secondary client observes it.
type DeliveryChecker interface {
	CheckDelivery(ctx context.Context) (send, delivery time.Duration, err error)
}

// LatencyProbe times the same call through the relay and directly so the
// engine can tell an intermediary bottleneck from an upstream one. It only
// runs in extended cycles.
type LatencyProbe struct {
	Target   ProbeTarget
	HTTP     *http.Client
	Delivery DeliveryChecker // optional
	Log      *zap.Logger
}

func NewLatencyProbe(target ProbeTarget, timeout time.Duration, delivery DeliveryChecker, log *zap.Logger) *LatencyProbe {
	return &LatencyProbe{
		Target:   target,
		HTTP:     &http.Client{Timeout: timeout},
		Delivery: delivery,
		Log:      log.Named("latency"),
	}
}

func (p *LatencyProbe) Name() string { return "latency" }

// Collect implements the Collector interface. Network failures are reported
// as *_error keys next to the missing timing and never fail the probe.
func (p *LatencyProbe) Collect(ctx context.Context, _ bool) (Fragment, error) {
	f := Fragment{}

	if p.Target.DirectBase != "" {
		// any HTTP status proves reachability
		if _, d, _, err := timedGet(ctx, p.HTTP, p.Target.DirectBase, ""); err != nil {
			f["api_connectivity_error"] = Str(truncate(err.Error(), 100))
		} else {
			f.SetNum("api_connectivity_ms", millis(d), 1)
		}
	}

	p.timedCall(ctx, f, "relay_api", p.Target.RelayBase)
	p.timedCall(ctx, f, "direct_api", p.Target.DirectBase)

	if p.Delivery != nil {
		send, delivery, err := p.Delivery.CheckDelivery(ctx)
		if err != nil {
			f["api_delivery_error"] = Str(truncate(err.Error(), 100))
		} else {
			f.SetNum("api_send_ms", millis(send), 1)
			f.SetNum("api_delivery_ms", millis(delivery), 1)
		}
	}

	logger.FromContext(ctx, p.Log).Debug("latency probe done", zap.Int("keys", len(f)))
	return f, nil
}

func (p *LatencyProbe) timedCall(ctx context.Context, f Fragment, key, base string) {
	if base == "" {
		return
	}
	url := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(p.Target.Path, "/")
	status, d, _, err := timedGet(ctx, p.HTTP, url, p.Target.Token)
	switch {
	case err != nil:
		f[key+"_error"] = Str(truncate(err.Error(), 100))
	case status != http.StatusOK:
		f[key+"_error"] = Str(fmt.Sprintf("HTTP %d", status))
	default:
		f.SetNum(key+"_ms", millis(d), 1)
	}
}

// ResponseProbe measures the host service's own response time with one GET.
type ResponseProbe struct {
	URL  string
	HTTP *http.Client
}

func NewResponseProbe(url string, timeout time.Duration) *ResponseProbe {
	return &ResponseProbe{URL: url, HTTP: &http.Client{Timeout: timeout}}
}

func (p *ResponseProbe) Name() string { return "response" }

// Collect implements the Collector interface. An unreachable service is a
// failure, not a huge response time.
func (p *ResponseProbe) Collect(ctx context.Context, _ bool) (Fragment, error) {
	status, d, _, err := timedGet(ctx, p.HTTP, p.URL, "")
	if err != nil {
		return Fragment{"response_error": Str(truncate(err.Error(), 100))},
			fmt.Errorf("%w: response probe: %w", ErrUnavailable, err)
	}
	if status >= http.StatusInternalServerError {
		return Fragment{"response_error": Str(fmt.Sprintf("HTTP %d", status))},
			fmt.Errorf("%w: response probe: status %d", ErrUnavailable, status)
	}
	f := Fragment{}
	f.SetNum("response_time_ms", millis(d), 1)
	return f, nil
}
