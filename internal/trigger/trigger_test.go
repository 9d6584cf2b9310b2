package trigger

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"killswitch/internal/config"
	"killswitch/internal/models"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func TestThresholdDrawdown(t *testing.T) {
	tr := NewDrawdownTrigger("max_drawdown", -0.15)

	tests := []struct {
		name     string
		ctx      Context
		fire     bool
		hasError bool
	}{
		{"breach", Context{"drawdown": -0.20}, true, false},
		{"exactly at threshold", Context{"drawdown": -0.15}, true, false},
		{"within", Context{"drawdown": -0.10}, false, false},
		{"int value", Context{"drawdown": 0}, false, false},
		{"json number", Context{"drawdown": json.Number("-0.3")}, true, false},
		{"missing", Context{"daily_pnl": -10.0}, false, false},
		{"nil value", Context{"drawdown": nil}, false, false},
		{"nil context", nil, false, false},
		{"string value", Context{"drawdown": "-0.2"}, false, true},
		{"NaN", Context{"drawdown": math.NaN()}, false, true},
		{"Inf", Context{"drawdown": math.Inf(-1)}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tr.Evaluate(tt.ctx)
			assert.Equal(t, "max_drawdown", res.TriggerID)
			assert.Equal(t, models.TriggerKindThreshold, res.Kind)
			assert.Equal(t, tt.fire, res.ShouldTrigger, res.Reason)
			assert.Equal(t, tt.hasError, res.Failed(), res.Error)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestThresholdDirections(t *testing.T) {
	tests := []struct {
		dir   Direction
		value float64
		want  bool
	}{
		{LessOrEqual, 1, true},
		{Less, 1, false},
		{Less, 0.5, true},
		{GreaterOrEqual, 1, true},
		{Greater, 1, false},
		{Greater, 1.5, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.dir.Breached(tt.value, 1), "%s %v", tt.dir, tt.value)
	}

	vol := NewVolatilityTrigger("vol", 0.08)
	assert.True(t, vol.Evaluate(Context{"volatility": 0.09}).ShouldTrigger)
	assert.False(t, vol.Evaluate(Context{"volatility": 0.07}).ShouldTrigger)

	pnl := NewDailyPnLTrigger("daily", -5000)
	res := pnl.Evaluate(Context{"daily_pnl": -7500})
	assert.True(t, res.ShouldTrigger)
	assert.Equal(t, -7500.0, res.Metrics["daily_pnl"])
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("")
	require.NoError(t, err)
	assert.Equal(t, LessOrEqual, d)

	d, err = ParseDirection(" GTE ")
	require.NoError(t, err)
	assert.Equal(t, GreaterOrEqual, d)

	_, err = ParseDirection("eq")
	assert.Error(t, err)
}

func TestManualNeverFiresFromContext(t *testing.T) {
	m := NewManualTrigger("manual")

	res := m.Evaluate(Context{"manual": true, "drawdown": -1.0})
	assert.False(t, res.ShouldTrigger)

	res = m.Activate("fat finger", "alice")
	assert.True(t, res.ShouldTrigger)
	assert.Equal(t, "fat finger", res.Reason)
	assert.Equal(t, "alice", res.Metrics["operator"])
}

func TestWatchdog(t *testing.T) {
	w := NewWatchdogTrigger("watchdog", WatchdogLimits{
		MaxHeartbeatAge: 30 * time.Second,
		MaxMemoryMB:     4096,
		MaxCPUPercent:   95,
	}, fixedClock)

	tests := []struct {
		name     string
		ctx      Context
		fire     bool
		hasError bool
	}{
		{"fresh heartbeat", Context{"last_heartbeat": testNow.Add(-5 * time.Second)}, false, false},
		{"stale heartbeat", Context{"last_heartbeat": testNow.Add(-time.Minute)}, true, false},
		{"age field wins", Context{"heartbeat_age_seconds": 45, "last_heartbeat": testNow}, true, false},
		{"context now", Context{"now": testNow.Add(time.Hour), "last_heartbeat": testNow}, true, false},
		{"unix heartbeat", Context{"last_heartbeat": testNow.Unix() - 10}, false, false},
		{"memory breach", Context{"memory_mb": 5000}, true, false},
		{"cpu breach", Context{"cpu_percent": 99.5}, true, false},
		{"all fine", Context{"memory_mb": 100, "cpu_percent": 10}, false, false},
		{"no metrics", Context{}, false, false},
		{"bad heartbeat", Context{"last_heartbeat": "yesterday"}, false, true},
		{"bad cpu", Context{"cpu_percent": true}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := w.Evaluate(tt.ctx)
			assert.Equal(t, tt.fire, res.ShouldTrigger, res.Reason)
			assert.Equal(t, tt.hasError, res.Failed(), res.Error)
		})
	}
}

func TestWatchdogListsAllBreaches(t *testing.T) {
	w := NewWatchdogTrigger("watchdog", WatchdogLimits{MaxMemoryMB: 10, MaxCPUPercent: 10}, fixedClock)
	res := w.Evaluate(Context{"memory_mb": 20, "cpu_percent": 20})

	require.True(t, res.ShouldTrigger)
	assert.Contains(t, res.Reason, "memory")
	assert.Contains(t, res.Reason, "cpu")
}

func TestExternal(t *testing.T) {
	e := NewExternalTrigger("exchange", time.Minute, fixedClock)

	tests := []struct {
		name     string
		ctx      Context
		fire     bool
		hasError bool
	}{
		{"connected", Context{"exchange_connected": true}, false, false},
		{"disconnected", Context{"exchange_connected": false}, true, false},
		{"one exchange down", Context{"exchanges": map[string]bool{"bybit": true, "okx": false}}, true, false},
		{"decoded json map", Context{"exchanges": map[string]interface{}{"bybit": true}}, false, false},
		{"fresh prices", Context{"last_price_update": testNow.Add(-10 * time.Second)}, false, false},
		{"stale prices", Context{"last_price_update": testNow.Add(-2 * time.Minute)}, true, false},
		{"stale by age", Context{"price_update_age_seconds": 120.0}, true, false},
		{"rfc3339 timestamp", Context{"last_price_update": testNow.Format(time.RFC3339)}, false, false},
		{"no signals", Context{}, false, false},
		{"bad flag", Context{"exchange_connected": "yes"}, false, true},
		{"bad map", Context{"exchanges": []string{"okx"}}, false, true},
		{"bad map value", Context{"exchanges": map[string]interface{}{"okx": 1}}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Evaluate(tt.ctx)
			assert.Equal(t, tt.fire, res.ShouldTrigger, res.Reason)
			assert.Equal(t, tt.hasError, res.Failed(), res.Error)
		})
	}
}

// panicTrigger - триггер с ошибкой в коде
type panicTrigger struct{}

func (panicTrigger) ID() string { return "broken" }
func (panicTrigger) Kind() models.TriggerKind { return models.TriggerKindExternal }
func (panicTrigger) Evaluate(Context) models.TriggerResult {
	var m map[string]int
	m["boom"] = 1
	return models.TriggerResult{}
}

func TestRegistryEvaluatesAllInOrder(t *testing.T) {
	r := NewRegistry(nil,
		NewDrawdownTrigger("dd", -0.15),
		panicTrigger{},
		NewDailyPnLTrigger("pnl", -100),
		NewManualTrigger("manual"),
	)

	results := r.Evaluate(Context{"drawdown": -0.5, "daily_pnl": -1000})
	require.Len(t, results, 4)

	ids := []string{results[0].TriggerID, results[1].TriggerID, results[2].TriggerID, results[3].TriggerID}
	assert.Equal(t, []string{"dd", "broken", "pnl", "manual"}, ids)

	assert.True(t, results[1].Failed())
	assert.Contains(t, results[1].Error, "panic")

	first, ok := FirstFiring(results)
	require.True(t, ok)
	assert.Equal(t, "dd", first.TriggerID)

	failedRes, ok := AnyFailed(results)
	require.True(t, ok)
	assert.Equal(t, "broken", failedRes.TriggerID)

	require.NotNil(t, r.Manual())
	assert.Equal(t, "manual", r.Manual().ID())
}

func TestFirstFiringNone(t *testing.T) {
	_, ok := FirstFiring([]models.TriggerResult{{TriggerID: "a"}, {TriggerID: "b", ShouldTrigger: true, Error: "x"}})
	assert.False(t, ok)

	var nilRegistry *Registry
	assert.Nil(t, nilRegistry.Evaluate(Context{}))
	assert.Zero(t, nilRegistry.Len())
}

func TestRegistryFromConfig(t *testing.T) {
	cfg := config.Default()

	r, err := NewRegistryFromConfig(cfg.Triggers, fixedClock, nil)
	require.NoError(t, err)

	// volatility выключен по умолчанию
	var ids []string
	for _, tr := range r.Triggers() {
		ids = append(ids, tr.ID())
	}
	assert.Equal(t, []string{"max_drawdown", "daily_loss", "watchdog", "exchange", "manual"}, ids)

	first, ok := FirstFiring(r.Evaluate(Context{"drawdown": -0.2}))
	require.True(t, ok)
	assert.Equal(t, "max_drawdown", first.TriggerID)

	_, ok = FirstFiring(r.Evaluate(Context{"drawdown": -0.1}))
	assert.False(t, ok)
}

func TestBuildUnknownType(t *testing.T) {
	_, err := Build(config.TriggerConfig{ID: "x", Type: "oracle"}, nil)
	assert.Error(t, err)

	_, err = Build(config.TriggerConfig{ID: "x", Type: config.TriggerThreshold, Field: "f", Direction: "eq"}, nil)
	assert.Error(t, err)
}

func TestContextClone(t *testing.T) {
	c := Context{"a": 1}
	cl := c.Clone()
	cl["a"] = 2
	assert.Equal(t, 1, c["a"])

	var empty Context
	assert.Nil(t, empty.Clone())
}
