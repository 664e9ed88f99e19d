// Package sidecar implements the inter-agent trust reverse proxy. It
// fronts a protected backend agent, screens cross-agent traffic for
// sensitive data, applies trust warnings with user override, and
// records every exchange as a trace.
package sidecar

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/imran-siddique/agentos/internal/adapter/outbound/tracestore"
	"github.com/imran-siddique/agentos/internal/domain/audit"
	"github.com/imran-siddique/agentos/internal/domain/breaker"
	"github.com/imran-siddique/agentos/internal/domain/scan"
	"github.com/imran-siddique/agentos/internal/domain/signal"
	"github.com/imran-siddique/agentos/internal/domain/trust"
	"github.com/imran-siddique/agentos/internal/metrics"
)

// Request and response headers of the trust layer.
const (
	HeaderUserOverride = "X-User-Override"
	HeaderTraceID      = "X-Agent-Trace-ID"
	HeaderTrustScore   = "X-Agent-Trust-Score"
	HeaderLatencyMS    = "X-Agent-Latency-Ms"
	HeaderQuarantined  = "X-Agent-Quarantined"
	HeaderAgentID      = "X-Agent-ID"
)

// StatusRetryWith asks the caller to retry with an explicit override.
const StatusRetryWith = 449

const maxBodyBytes = 1 << 20

// Signaller delivers lifecycle signals to the sidecar's action loop.
type Signaller interface {
	Send(ctx context.Context, agentID string, sig signal.Signal) error
}

// Config assembles a Server.
type Config struct {
	// Manifest describes the protected backend agent.
	Manifest trust.CapabilityManifest
	// Backend is the base URL proxied requests are forwarded to.
	Backend string
	// ForwardTimeout bounds one backend call. Defaults to 10s.
	ForwardTimeout time.Duration
	// RatePerSecond and Burst smooth inbound calls per caller agent.
	// Zero rate disables smoothing.
	RatePerSecond float64
	Burst         int
}

// Server is the trust sidecar HTTP surface.
type Server struct {
	manifest  trust.CapabilityManifest
	backend   *url.URL
	timeout   time.Duration
	client    *http.Client
	sensitive *scan.SensitiveScanner
	breaker   *breaker.Breaker
	traces    *tracestore.Store
	recorder  audit.Recorder
	signals   Signaller
	metrics   *metrics.Metrics
	logger    *slog.Logger

	ratePerSec float64
	burst      int
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New builds a Server. The manifest trust score is derived here; any
// caller-supplied value is overwritten.
func New(cfg Config, br *breaker.Breaker, traces *tracestore.Store, rec audit.Recorder,
	sig Signaller, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	if err := trust.Validate(cfg.Manifest); err != nil {
		return nil, err
	}
	backend, err := url.Parse(cfg.Backend)
	if err != nil || backend.Scheme == "" || backend.Host == "" {
		return nil, fmt.Errorf("sidecar backend %q: not an absolute URL", cfg.Backend)
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 10 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}

	manifest := cfg.Manifest
	manifest.TrustScore = trust.Score(manifest)

	return &Server{
		manifest:   manifest,
		backend:    backend,
		timeout:    cfg.ForwardTimeout,
		client:     &http.Client{},
		sensitive:  scan.NewSensitiveScanner(false, false),
		breaker:    br,
		traces:     traces,
		recorder:   rec,
		signals:    sig,
		metrics:    m,
		logger:     logger,
		ratePerSec: cfg.RatePerSecond,
		burst:      cfg.Burst,
		limiters:   map[string]*rate.Limiter{},
	}, nil
}

// Routes returns the sidecar's HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/agent-manifest", s.handleManifest)
	mux.HandleFunc("POST /proxy", s.handleProxy)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /trace/{trace_id}", s.handleTrace)
	mux.HandleFunc("GET /quarantine/{trace_id}", s.handleQuarantine)
	return mux
}

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manifest)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"sidecar": "ok", "backend": "ok"}
	code := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.backend.String(), nil)
	if err == nil {
		if resp, err := s.client.Do(req); err != nil {
			status["backend"] = "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			resp.Body.Close()
		}
	}
	writeJSON(w, code, status)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := s.traces.Get(r.Context(), r.PathValue("trace_id"))
	if errors.Is(err, tracestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	if err != nil {
		s.logger.Error("trace lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "trace lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	tr, err := s.traces.Quarantined(r.Context(), r.PathValue("trace_id"))
	if errors.Is(err, tracestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no quarantined session for that trace")
		return
	}
	if err != nil {
		s.logger.Error("quarantine lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "quarantine lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// exchange carries one /proxy request through the pipeline.
type exchange struct {
	traceID  string
	parentID string
	caller   string
	body     []byte
	digest   string
	warnings []trust.Warning
	start    time.Time
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ex := &exchange{
		traceID:  newTraceID(),
		parentID: r.Header.Get(HeaderTraceID),
		caller:   callerID(r),
		start:    time.Now(),
	}
	w.Header().Set(HeaderTraceID, ex.traceID)
	w.Header().Set(HeaderTrustScore, strconv.Itoa(s.manifest.TrustScore))

	if !s.allowCaller(ex.caller) {
		s.finish(r.Context(), w, ex, http.StatusTooManyRequests, "rate_limited",
			map[string]string{"error": "rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.finish(r.Context(), w, ex, http.StatusRequestEntityTooLarge, "blocked",
			map[string]string{"error": "body too large"})
		return
	}
	if !json.Valid(body) {
		s.finish(r.Context(), w, ex, http.StatusBadRequest, "blocked",
			map[string]string{"error": "body is not valid JSON"})
		return
	}
	ex.body = body
	sum := sha256.Sum256(body)
	ex.digest = hex.EncodeToString(sum[:])

	// Sensitive data screen, then the hard blocks that no override can
	// bypass.
	findings := s.sensitive.Scan(string(body))
	if scan.HasType(findings, scan.SensitiveCreditCard) && s.manifest.Retention == trust.RetentionPermanent {
		s.finish(r.Context(), w, ex, http.StatusForbidden, "blocked",
			map[string]string{"error": "credit card data cannot be sent to an agent with permanent retention"})
		return
	}
	if scan.HasType(findings, scan.SensitiveSSN) && s.manifest.Retention != trust.RetentionEphemeral {
		s.finish(r.Context(), w, ex, http.StatusForbidden, "blocked",
			map[string]string{"error": "ssn data requires ephemeral retention"})
		return
	}

	ex.warnings = trust.Warnings(s.manifest)
	override := strings.EqualFold(r.Header.Get(HeaderUserOverride), "true")
	if len(ex.warnings) > 0 && !override {
		s.finish(r.Context(), w, ex, StatusRetryWith, "warned", map[string]interface{}{
			"warnings":          ex.warnings,
			"requires_override": true,
		})
		return
	}
	quarantined := len(ex.warnings) > 0 && override
	if quarantined {
		w.Header().Set(HeaderQuarantined, "true")
	}

	s.forward(w, r, ex, quarantined)
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, ex *exchange, quarantined bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	var (
		status  int
		payload []byte
		ctype   string
	)
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.backend.String(), bytes.NewReader(ex.body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderTraceID, ex.traceID)

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		payload, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		status = resp.StatusCode
		ctype = resp.Header.Get("Content-Type")
		// 5xx is forwarded to the caller but still trips the breaker.
		if status >= 500 {
			return &backendError{status: status}
		}
		return nil
	})

	decision := "allowed"
	if quarantined {
		decision = "quarantined"
	}

	var (
		backendErr *backendError
		openErr    *breaker.OpenError
	)
	switch {
	case err == nil:
	case errors.As(err, &backendErr):
		decision = "error"
	case errors.As(err, &openErr):
		s.finish(r.Context(), w, ex, http.StatusServiceUnavailable, "error", map[string]interface{}{
			"error":          "backend circuit open",
			"retry_after_ms": openErr.RetryAfter.Milliseconds(),
		})
		return
	case errors.Is(err, context.DeadlineExceeded):
		s.sendBudgetSignal(r.Context(), ex)
		s.finish(r.Context(), w, ex, http.StatusGatewayTimeout, "error",
			map[string]string{"error": "backend timed out"})
		return
	default:
		s.logger.Error("proxy forward failed", "trace_id", ex.traceID, "error", err)
		s.finish(r.Context(), w, ex, http.StatusBadGateway, "error",
			map[string]string{"error": "backend unreachable"})
		return
	}

	s.record(r.Context(), ex, decision, status, quarantined)

	w.Header().Set(HeaderLatencyMS, strconv.FormatInt(time.Since(ex.start).Milliseconds(), 10))
	if ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// backendError marks a forwarded 5xx so the breaker counts it as a
// failure without replacing the backend's response.
type backendError struct{ status int }

func (e *backendError) Error() string { return "backend returned " + strconv.Itoa(e.status) }

// finish records the trace plus audit entry and writes a local (not
// forwarded) JSON response.
func (s *Server) finish(ctx context.Context, w http.ResponseWriter, ex *exchange, code int, decision string, body interface{}) {
	s.record(ctx, ex, decision, code, false)
	w.Header().Set(HeaderLatencyMS, strconv.FormatInt(time.Since(ex.start).Milliseconds(), 10))
	writeJSON(w, code, body)
}

func (s *Server) record(ctx context.Context, ex *exchange, decision string, status int, quarantined bool) {
	latency := time.Since(ex.start)
	s.metrics.ProxyRequests.WithLabelValues(decision).Inc()
	s.metrics.ProxyLatency.Observe(latency.Seconds())

	tr := &tracestore.Trace{
		TraceID:       ex.traceID,
		ParentID:      ex.parentID,
		CallerAgent:   ex.caller,
		Decision:      decision,
		StatusCode:    status,
		LatencyMS:     latency.Milliseconds(),
		Quarantined:   quarantined,
		Warnings:      ex.warnings,
		RequestDigest: ex.digest,
	}
	if err := s.traces.Record(ctx, tr); err != nil {
		s.logger.Error("trace not recorded", "trace_id", ex.traceID, "error", err)
	}

	event := audit.EventProxyRequest
	switch decision {
	case "blocked", "rate_limited":
		event = audit.EventProxyBlocked
	case "quarantined":
		event = audit.EventProxyQuarantined
	}
	e := audit.NewEntry(s.manifest.AgentID, event)
	e.Decision = decision
	e.ArgsDigest = ex.digest
	e.Details = map[string]interface{}{
		"trace_id":     ex.traceID,
		"caller_agent": ex.caller,
		"status_code":  status,
		"latency_ms":   latency.Milliseconds(),
	}
	if len(ex.warnings) > 0 {
		codes := make([]interface{}, 0, len(ex.warnings))
		for _, wn := range ex.warnings {
			codes = append(codes, wn.Code)
		}
		e.Details["warnings"] = codes
	}
	if err := s.recorder.Append(ctx, e); err != nil {
		s.logger.Error("proxy exchange not recorded", "trace_id", ex.traceID, "error", err)
	}
}

func (s *Server) sendBudgetSignal(ctx context.Context, ex *exchange) {
	if s.signals == nil {
		return
	}
	sig := signal.New(signal.SIGBUDGET, "sidecar")
	sig.Payload = map[string]interface{}{"trace_id": ex.traceID, "limit": "forward_timeout"}
	if err := s.signals.Send(ctx, s.manifest.AgentID, sig); err != nil {
		s.logger.Error("budget signal not delivered", "agent_id", s.manifest.AgentID, "error", err)
	}
}

// allowCaller applies per-caller rate smoothing. Disabled when the
// configured rate is zero.
func (s *Server) allowCaller(caller string) bool {
	if s.ratePerSec <= 0 {
		return true
	}
	s.mu.Lock()
	lim, ok := s.limiters[caller]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.ratePerSec), s.burst)
		s.limiters[caller] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

func callerID(r *http.Request) string {
	if id := r.Header.Get(HeaderAgentID); id != "" {
		return id
	}
	return r.RemoteAddr
}

func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
