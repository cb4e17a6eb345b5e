// Package server exposes the latest health report over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"healthwatch/diagnosis"
	"healthwatch/logger"
)

// Monitor is the part of the scheduler the HTTP surface needs.
type Monitor interface {
	Latest() *diagnosis.Report
	Check(ctx context.Context) (*diagnosis.Report, error)
	ObserveResponseTime(d time.Duration)
}

type Options struct {
	CheckInterval time.Duration // minimum spacing of manual checks
	CheckBurst    int
	CheckTimeout  time.Duration
	// Internal, when set, is served at /internal/metrics so healthwatch
	// can report its own scheduling lag.
	Internal http.Handler
}

type Server struct {
	mon     Monitor
	opts    Options
	limiter *rate.Limiter
	log     *zap.Logger
	router  *mux.Router
	checks  *prometheus.CounterVec
}

type message struct {
	Msg string `json:"msg"`
}

func jsonMessageByte(msg string) []byte {
	b, _ := json.Marshal(message{Msg: msg})
	return b
}

func New(mon Monitor, opts Options, log *zap.Logger) *Server {
	if opts.CheckBurst < 1 {
		opts.CheckBurst = 1
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = time.Minute
	}
	s := &Server{
		mon:     mon,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.CheckInterval), opts.CheckBurst),
		log:     log.Named("server"),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthwatch_manual_checks_total",
			Help: "Manual checks requested over HTTP, by outcome.",
		}, []string{"result"}),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newReportCollector(mon.Latest),
		s.checks,
	)

	router := mux.NewRouter()
	router.Use(s.requestID)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/report", s.handleReport).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/check", s.handleCheck).Methods(http.MethodPost)
	router.HandleFunc("/observations/response-time", s.handleObserve).Methods(http.MethodPost)
	if opts.Internal != nil {
		router.Handle("/internal/metrics", opts.Internal).Methods(http.MethodGet)
	}
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router = router
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		log := logger.WithRequestID(s.log, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(logger.WithContext(r.Context(), log)))
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = jsonMessageByte("Internal server error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(jsonMessageByte(msg))
}

// latest writes a 503 and returns nil until the first cycle has finished.
func (s *Server) latest(w http.ResponseWriter) *diagnosis.Report {
	r := s.mon.Latest()
	if r == nil {
		writeMessage(w, http.StatusServiceUnavailable, "no report yet")
	}
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	if r := s.latest(w); r != nil {
		writeJSON(w, http.StatusOK, r.Sample)
	}
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	if r := s.latest(w); r != nil {
		findings := r.Findings
		if findings == nil {
			findings = []diagnosis.Finding{}
		}
		writeJSON(w, http.StatusOK, findings)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if r := s.latest(w); r != nil {
		writeJSON(w, http.StatusOK, r)
	}
}

func (s *Server) handleCheck(w http.ResponseWriter, req *http.Request) {
	log := logger.FromContext(req.Context(), s.log)
	if !s.limiter.Allow() {
		s.checks.WithLabelValues("rate_limited").Inc()
		writeMessage(w, http.StatusTooManyRequests, "manual check rate limited, try again later")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), s.opts.CheckTimeout)
	defer cancel()
	r, err := s.mon.Check(ctx)
	if err != nil {
		s.checks.WithLabelValues("error").Inc()
		log.Warn("manual check failed", zap.Error(err))
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeMessage(w, status, "check did not complete: "+err.Error())
		return
	}
	s.checks.WithLabelValues("ok").Inc()
	log.Info("manual check done", zap.String("cycle_id", r.CycleID), zap.Int("findings", len(r.Findings)))
	writeJSON(w, http.StatusOK, r)
}

type observation struct {
	Ms *float64 `json:"ms"`
}

// maxObservedMs is one hour; anything slower is a broken clock, not a
// response time.
const maxObservedMs = float64(time.Hour / time.Millisecond)

func (s *Server) handleObserve(w http.ResponseWriter, req *http.Request) {
	var obs observation
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<10))
	if err := dec.Decode(&obs); err != nil || obs.Ms == nil || *obs.Ms < 0 || *obs.Ms > maxObservedMs {
		writeMessage(w, http.StatusBadRequest, `body must be {"ms": <number between 0 and 3600000>}`)
		return
	}
	s.mon.ObserveResponseTime(time.Duration(*obs.Ms * float64(time.Millisecond)))
	w.WriteHeader(http.StatusAccepted)
}
