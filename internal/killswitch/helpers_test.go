package killswitch

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"killswitch/internal/config"
	"killswitch/internal/models"
	"killswitch/internal/trigger"
	"killswitch/pkg/utils"
)

const testSecret = "OPEN-SESAME-42"

// memStore - StateStore в памяти с управляемыми ошибками
type memStore struct {
	mu      sync.Mutex
	state   *models.PersistedState
	saves   int
	saveErr error
	loadErr error
}

func (s *memStore) Save(st models.PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	cp := st
	s.state = &cp
	return nil
}

func (s *memStore) Load() (*models.PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.state == nil {
		return nil, nil
	}
	cp := *s.state
	return &cp, nil
}

func (s *memStore) failSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *memStore) saved() *models.PersistedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil
	}
	cp := *s.state
	return &cp
}

// memAudit - AuditSink в памяти
type memAudit struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	err     error
}

func (a *memAudit) Append(e models.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	e.Seq = uint64(len(a.entries) + 1)
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) types() []models.AuditEntryType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.AuditEntryType, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Type
	}
	return out
}

func (a *memAudit) count(t models.AuditEntryType) int {
	n := 0
	for _, et := range a.types() {
		if et == t {
			n++
		}
	}
	return n
}

func (a *memAudit) last() models.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[len(a.entries)-1]
}

// fakeClock - ручное время
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// staticHealth - HealthRunner с заранее заданным результатом
type staticHealth struct {
	healthy bool
	calls   int
}

func (h *staticHealth) Run(trigger.Context) models.HealthCheckResult {
	h.calls++
	if h.healthy {
		return models.HealthCheckResult{
			IsHealthy: true,
			Checks:    []models.CheckOutcome{{Name: "exchange_connectivity", Passed: true}},
		}
	}
	return models.HealthCheckResult{
		FailedChecks: []string{"exchange_connectivity"},
		Checks:       []models.CheckOutcome{{Name: "exchange_connectivity", Message: "binance unreachable"}},
	}
}

// panicEvaluator - TriggerEvaluator, который паникует
type panicEvaluator struct{}

func (panicEvaluator) Evaluate(trigger.Context) []models.TriggerResult {
	panic("evaluator exploded")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Recovery.ApprovalHashCost = 4
	if err := cfg.SetApprovalCode(testSecret); err != nil {
		t.Fatalf("SetApprovalCode: %v", err)
	}
	return cfg
}

func testRegistry() *trigger.Registry {
	return trigger.NewRegistry(utils.NewNopLogger(),
		trigger.NewDrawdownTrigger("max_drawdown", -0.15),
		trigger.NewManualTrigger("manual"),
	)
}

type fixture struct {
	core  *Core
	store *memStore
	audit *memAudit
	clock *fakeClock
}

func newFixture(t *testing.T, cfg *config.Config, store *memStore) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	if store == nil {
		store = &memStore{}
	}
	f := &fixture{store: store, audit: &memAudit{}, clock: newFakeClock()}

	seq := 0
	var idMu sync.Mutex
	f.core = NewCore(cfg, testRegistry(), store, f.audit,
		WithClock(f.clock.Now),
		WithIDGenerator(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			seq++
			return fmt.Sprintf("ev-%03d", seq)
		}),
	)
	return f
}

var errDiskFull = errors.New("no space left on device")
