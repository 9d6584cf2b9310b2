package killswitch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"killswitch/internal/config"
	"killswitch/internal/models"
	"killswitch/internal/trigger"
)

func TestNewCore_StartsActiveWithoutSavedState(t *testing.T) {
	f := newFixture(t, nil, nil)

	st := f.core.GetStatus()
	assert.Equal(t, models.StateActive, st.State)
	assert.Equal(t, 1.0, st.PositionLimitFactor)
	assert.False(t, f.core.IsKilled())
	assert.Empty(t, f.audit.types())
}

func TestCheckAndBlock_DrawdownBreachKills(t *testing.T) {
	f := newFixture(t, nil, nil)

	assert.False(t, f.core.CheckAndBlock(trigger.Context{"drawdown": -0.10}))
	assert.Equal(t, models.StateActive, f.core.GetStatus().State)

	assert.True(t, f.core.CheckAndBlock(trigger.Context{"drawdown": -0.20}))

	st := f.core.GetStatus()
	assert.Equal(t, models.StateKilled, st.State)
	assert.Equal(t, "trigger", st.TriggeredBy)
	assert.Equal(t, 0.0, st.PositionLimitFactor)
	assert.True(t, f.core.IsKilled())

	saved := f.store.saved()
	require.NotNil(t, saved)
	assert.Equal(t, models.StateKilled, saved.State)
	assert.Equal(t, st.LastEventID, saved.LastEventID)

	entry := f.audit.last()
	require.Equal(t, models.AuditTransition, entry.Type)
	require.NotNil(t, entry.Event)
	assert.Equal(t, "max_drawdown", entry.Event.TriggerID)
	assert.Equal(t, -0.20, entry.Event.Metrics["drawdown"])
}

func TestCheckAndBlock_KilledBlocksWithoutContext(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.core.Trigger("operator stop", "alice")
	require.NoError(t, err)

	assert.True(t, f.core.CheckAndBlock(nil))
	// KILLED не переоценивает триггеры: RETRIGGER не появляется
	assert.True(t, f.core.CheckAndBlock(trigger.Context{"drawdown": -0.9}))
	assert.Equal(t, 0, f.audit.count(models.AuditRetrigger))
}

func TestCheckAndBlock_MissingMetricDoesNotFire(t *testing.T) {
	f := newFixture(t, nil, nil)

	assert.False(t, f.core.CheckAndBlock(trigger.Context{"daily_pnl": -100.0}))
	assert.Equal(t, models.StateActive, f.core.GetStatus().State)
}

func TestCheckAndBlock_MalformedMetricFailsClosed(t *testing.T) {
	f := newFixture(t, nil, nil)

	assert.True(t, f.core.CheckAndBlock(trigger.Context{"drawdown": "not-a-number"}))
	// блокирует, но состояние не меняет
	assert.Equal(t, models.StateActive, f.core.GetStatus().State)
	assert.Empty(t, f.audit.types())
}

func TestCheckAndBlock_PanicFailsClosed(t *testing.T) {
	store := &memStore{}
	core := NewCore(testConfig(t), panicEvaluator{}, store, &memAudit{})

	assert.NotPanics(t, func() {
		assert.True(t, core.CheckAndBlock(trigger.Context{"drawdown": -0.01}))
	})
	// mutex освобождён
	assert.Equal(t, models.StateActive, core.GetStatus().State)
}

func TestCheckAndBlock_DisabledModeSkipsTriggers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModeDisabled
	f := newFixture(t, cfg, nil)

	assert.False(t, f.core.CheckAndBlock(trigger.Context{"drawdown": -0.5}))

	_, err := f.core.Trigger("manual stop", "alice")
	require.NoError(t, err)
	assert.True(t, f.core.CheckAndBlock(nil), "KILLED blocks even when automatic triggers are off")
}

func TestTrigger_RetriggerIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)

	first, err := f.core.Trigger("first reason", "alice")
	require.NoError(t, err)
	assert.True(t, first.IsLogical())

	second, err := f.core.Trigger("second reason", "bob")
	require.NoError(t, err)
	assert.False(t, second.IsLogical())
	assert.Equal(t, models.StateKilled, second.FromState)

	st := f.core.GetStatus()
	assert.Equal(t, 1, st.EventCount)
	assert.Equal(t, "second reason", st.LastReason)
	assert.Equal(t, first.EventID, st.LastEventID)

	// повторный trigger не перезаписывает файл состояния
	assert.Equal(t, "first reason", f.store.saved().LastReason)
	assert.Equal(t,
		[]models.AuditEntryType{models.AuditTransition, models.AuditRetrigger},
		f.audit.types())
}

func TestTrigger_ManualTriggerIDRecorded(t *testing.T) {
	f := newFixture(t, nil, nil)

	ev, err := f.core.Trigger("", "")
	require.NoError(t, err)
	assert.Equal(t, "manual", ev.TriggerID)
	assert.Equal(t, "manual trigger", ev.Reason)
	assert.Equal(t, "operator", ev.TriggeredBy)
}

func TestTrigger_ConcurrentCallsProduceOneTransition(t *testing.T) {
	f := newFixture(t, nil, nil)

	var kills atomic.Int32
	f.core.OnKill(func(models.KillSwitchEvent) { kills.Add(1) })

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = f.core.Trigger("concurrent", "worker")
			} else {
				f.core.CheckAndBlock(trigger.Context{"drawdown": -0.5})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), kills.Load())
	assert.Equal(t, 1, f.core.GetStatus().EventCount)
	assert.Equal(t, 1, f.audit.count(models.AuditTransition))
	assert.Equal(t, 1, f.store.saves)
}

func TestTrigger_PersistenceFailureRejectsTransition(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.failSaves(errDiskFull)

	_, err := f.core.Trigger("stop", "alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistenceFailure))
	assert.True(t, errors.Is(err, errDiskFull))

	assert.Equal(t, models.StateActive, f.core.GetStatus().State)
	assert.False(t, f.core.IsKilled())
	assert.Empty(t, f.audit.types())

	// автоматический триггер при сбое записи всё равно блокирует
	assert.True(t, f.core.CheckAndBlock(trigger.Context{"drawdown": -0.5}))
	assert.Equal(t, models.StateActive, f.core.GetStatus().State)

	f.store.failSaves(nil)
	_, err = f.core.Trigger("stop", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StateKilled, f.core.GetStatus().State)
}

func TestTrigger_AuditFailureDoesNotBlockTransition(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.audit.err = errors.New("audit disk gone")

	_, err := f.core.Trigger("stop", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StateKilled, f.core.GetStatus().State)
}

func TestCallbacks_PanicIsContained(t *testing.T) {
	f := newFixture(t, nil, nil)

	var after atomic.Bool
	f.core.OnKill(func(models.KillSwitchEvent) { panic("callback bug") })
	f.core.OnKill(func(models.KillSwitchEvent) { after.Store(true) })

	var events []models.KillSwitchEvent
	var mu sync.Mutex
	f.core.OnEvent(func(ev models.KillSwitchEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	_, err := f.core.Trigger("stop", "alice")
	require.NoError(t, err)
	_, err = f.core.Trigger("again", "alice")
	require.NoError(t, err)

	assert.True(t, after.Load(), "second callback must still run")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.True(t, events[0].IsLogical())
	assert.False(t, events[1].IsLogical())
}

func TestCallbacks_CanReenterCore(t *testing.T) {
	f := newFixture(t, nil, nil)

	var seen models.KillSwitchState
	f.core.OnKill(func(models.KillSwitchEvent) {
		seen = f.core.GetStatus().State
	})

	_, err := f.core.Trigger("stop", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StateKilled, seen)
}

func TestOnStatus_ReceivesSnapshots(t *testing.T) {
	f := newFixture(t, nil, nil)

	var got []Status
	f.core.OnStatus(func(st Status) { got = append(got, st) })

	_, err := f.core.Trigger("stop", "alice")
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, models.StateKilled, got[0].State)
	assert.True(t, got[0].Blocked())
}

func TestRestore(t *testing.T) {
	t.Run("KILLED survives restart", func(t *testing.T) {
		store := &memStore{state: &models.PersistedState{
			Version:     models.PersistedStateVersion,
			State:       models.StateKilled,
			LastEventID: "ev-old",
			LastReason:  "drawdown",
			EventCount:  3,
		}}
		f := newFixture(t, nil, store)

		st := f.core.GetStatus()
		assert.Equal(t, models.StateKilled, st.State)
		assert.Equal(t, "ev-old", st.LastEventID)
		assert.Equal(t, 3, st.EventCount)
		assert.True(t, f.core.IsKilled())
		assert.Equal(t, 0, store.saves)
	})

	t.Run("RECOVERING is aborted to KILLED", func(t *testing.T) {
		store := &memStore{state: &models.PersistedState{
			Version:             models.PersistedStateVersion,
			State:               models.StateRecovering,
			LastEventID:         "ev-old",
			PositionLimitFactor: 0.5,
			EventCount:          2,
		}}
		f := newFixture(t, nil, store)

		st := f.core.GetStatus()
		assert.Equal(t, models.StateKilled, st.State)
		assert.Equal(t, 3, st.EventCount)
		assert.Equal(t, models.StateKilled, store.saved().State)
		assert.Equal(t, 0.0, store.saved().PositionLimitFactor)
	})

	t.Run("unreadable state file kills", func(t *testing.T) {
		store := &memStore{loadErr: errors.New("state file corrupt")}
		f := newFixture(t, nil, store)

		st := f.core.GetStatus()
		assert.Equal(t, models.StateKilled, st.State)
		assert.Equal(t, "state file unreadable", st.LastReason)
	})

	t.Run("unreadable and unwritable still kills in memory", func(t *testing.T) {
		store := &memStore{loadErr: errors.New("corrupt"), saveErr: errDiskFull}
		f := newFixture(t, nil, store)

		assert.True(t, f.core.IsKilled())
		assert.True(t, f.core.CheckAndBlock(nil))
	})

	t.Run("unknown state value kills", func(t *testing.T) {
		store := &memStore{state: &models.PersistedState{State: "PAUSED"}}
		f := newFixture(t, nil, store)
		assert.True(t, f.core.IsKilled())
	})
}

// TestCheckAndBlockProperty: на свежем ядре результат совпадает с порогом,
// а состояние KILLED ровно тогда, когда вызов заблокировал.
func TestCheckAndBlockProperty(t *testing.T) {
	cfg := testConfig(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 150
	properties := gopter.NewProperties(parameters)

	properties.Property("blocks exactly on breach", prop.ForAll(
		func(drawdown float64) bool {
			core := NewCore(cfg, testRegistry(), &memStore{}, &memAudit{})
			blocked := core.CheckAndBlock(trigger.Context{"drawdown": drawdown})
			if blocked != (drawdown <= -0.15) {
				return false
			}
			return core.IsKilled() == blocked
		},
		gen.Float64Range(-1, 1),
	))

	properties.TestingRun(t)
}
