package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/imran-siddique/agentos/internal/domain/audit"
	"github.com/imran-siddique/agentos/internal/metrics"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (m *memRecorder) Append(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Seq = uint64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

func (m *memRecorder) Recent(int) []audit.Entry                { return nil }
func (m *memRecorder) RecentByAgent(string, int) []audit.Entry { return nil }
func (m *memRecorder) Flush(context.Context) error             { return nil }
func (m *memRecorder) Close() error                            { return nil }
func (m *memRecorder) VerifyIntegrity(context.Context) (audit.IntegrityReport, error) {
	return audit.IntegrityReport{OK: true}, nil
}

func (m *memRecorder) transitions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		if e.EventType == audit.EventBreakerTransition {
			out = append(out, e.Details["from"].(string)+"->"+e.Details["to"].(string))
		}
	}
	return out
}

var errBackend = errors.New("backend unavailable")

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *memRecorder, *time.Time) {
	t.Helper()
	rec := &memRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New("payments", cfg, rec, metrics.NewNop(), logger)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, rec, &now
}

func fail(context.Context) error { return errBackend }
func ok(context.Context) error   { return nil }

func TestBreaker_Lifecycle(t *testing.T) {
	t.Parallel()

	b, rec, now := newTestBreaker(t, Config{FailureThreshold: 3, ResetTimeout: time.Second})
	ctx := context.Background()

	// Three consecutive failures open the circuit.
	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBackend) {
			t.Fatalf("call %d error = %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state after threshold = %s, want open", b.State())
	}

	// Calls inside the reset window fail fast with RetryAfter.
	*now = now.Add(400 * time.Millisecond)
	err := b.Execute(ctx, ok)
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("error = %v, want OpenError", err)
	}
	if openErr.RetryAfter != 600*time.Millisecond {
		t.Errorf("RetryAfter = %s, want 600ms", openErr.RetryAfter)
	}

	// After the window, the next call probes; success closes.
	*now = now.Add(700 * time.Millisecond)
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state after probe success = %s, want closed", b.State())
	}

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	got := rec.transitions()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	t.Parallel()

	b, _, now := newTestBreaker(t, Config{FailureThreshold: 3, ResetTimeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	*now = now.Add(time.Second)
	if err := b.Execute(ctx, fail); !errors.Is(err, errBackend) {
		t.Fatalf("probe error = %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state after failed probe = %s, want open", b.State())
	}

	// The window restarts from the failed probe.
	*now = now.Add(500 * time.Millisecond)
	var openErr *OpenError
	if err := b.Execute(ctx, ok); !errors.As(err, &openErr) {
		t.Fatalf("call inside restarted window = %v, want OpenError", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBreaker(t, Config{FailureThreshold: 3, ResetTimeout: time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatal(err)
	}
	// Two more failures do not reach the threshold after the reset.
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed (failure streak broken)", b.State())
	}
}

func TestBreaker_ZeroResetTimeoutProbesImmediately(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBreaker(t, Config{FailureThreshold: 1, ResetTimeout: 0})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	// Zero-duration window: the very next call is the probe.
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("immediate probe error: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestBreaker_SingleProbeInHalfOpen(t *testing.T) {
	t.Parallel()

	b, _, now := newTestBreaker(t, Config{FailureThreshold: 1, ResetTimeout: time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	*now = now.Add(time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	// While the probe is in flight, other callers fail fast.
	var openErr *OpenError
	if err := b.Execute(ctx, ok); !errors.As(err, &openErr) {
		t.Fatalf("concurrent call = %v, want OpenError", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestBreaker_HalfOpenAllowsConfiguredProbes(t *testing.T) {
	t.Parallel()

	b, _, now := newTestBreaker(t, Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		HalfOpenMaxCalls: 2,
	})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	*now = now.Add(time.Second)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- b.Execute(ctx, func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	// Both probe slots fill; a third caller fails fast.
	<-started
	<-started
	var openErr *OpenError
	if err := b.Execute(ctx, ok); !errors.As(err, &openErr) {
		t.Fatalf("third call = %v, want OpenError", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe error: %v", err)
	}
	// The first success closes the circuit.
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	if err := <-done; err != nil {
		t.Fatalf("second probe error: %v", err)
	}
}

func TestGroup_PerDependencyIsolation(t *testing.T) {
	t.Parallel()

	rec := &memRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := NewGroup(Config{FailureThreshold: 1, ResetTimeout: time.Minute}, rec, metrics.NewNop(), logger)
	ctx := context.Background()

	_ = g.For("payments").Execute(ctx, fail)
	if g.For("payments").State() != StateOpen {
		t.Fatal("payments circuit should be open")
	}
	if g.For("inventory").State() != StateClosed {
		t.Fatal("inventory circuit must be unaffected")
	}
	if g.For("payments") != g.For("payments") {
		t.Fatal("For must return the same breaker per dependency")
	}
}
