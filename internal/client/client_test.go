package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"killswitch/internal/api"
	"killswitch/internal/audit"
	"killswitch/internal/config"
	"killswitch/internal/health"
	"killswitch/internal/killswitch"
	"killswitch/internal/models"
	"killswitch/internal/persistence"
	"killswitch/internal/service"
	"killswitch/internal/trigger"
	"killswitch/internal/websocket"
)

const (
	testToken = "ops-token"
	testCode  = "OPEN-SESAME-42"
)

type daemon struct {
	url string
	hub *websocket.Hub
}

// startDaemon поднимает полный HTTP стек демона на временных файлах
func startDaemon(t *testing.T) *daemon {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Recovery.ApprovalHashCost = 4
	require.NoError(t, cfg.SetApprovalCode(testCode))
	cfg.Persistence = config.PersistenceConfig{StateFile: filepath.Join(dir, "state.json"), MaxBackups: 3}
	cfg.Audit = config.AuditConfig{Dir: filepath.Join(dir, "audit")}

	store, err := persistence.NewFileStore(cfg.Persistence, nil)
	require.NoError(t, err)
	trail, err := audit.NewTrail(cfg.Audit, nil)
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })

	registry, err := trigger.NewRegistryFromConfig(cfg.Triggers, time.Now, nil)
	require.NoError(t, err)
	core := killswitch.NewCore(cfg, registry, store, trail)
	checker := health.NewCheckerFromConfig(cfg.Health, registry, time.Now, nil)
	rm := killswitch.NewRecoveryManager(core, checker, nil)
	svc := service.NewOperatorService(core, rm, checker, trail, nil, nil)

	hub := websocket.NewHub(nil)
	hub.Attach(core)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(api.SetupRoutes(&api.Dependencies{Operator: svc, Hub: hub, APIToken: testToken}))
	t.Cleanup(srv.Close)
	return &daemon{url: srv.URL, hub: hub}
}

func newClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	c, err := New(url, append([]Option{WithToken(testToken)}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNew_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "127.0.0.1:8090", "ftp://host", "://bad"} {
		_, err := New(u)
		assert.Error(t, err, u)
	}
}

func TestClient_EndToEnd(t *testing.T) {
	d := startDaemon(t)
	c := newClient(t, d.url, WithOperator("alice"))
	ctx := context.Background()

	report, err := c.Status(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, report.Status.State)
	require.NotNil(t, report.Verify)
	assert.True(t, report.Verify.Consistent)

	ev, err := c.Trigger(ctx, "venue halted", "")
	require.NoError(t, err)
	assert.Equal(t, models.StateKilled, ev.ToState)
	assert.Equal(t, "alice", ev.TriggeredBy)

	_, err = c.Trigger(ctx, "again", "")
	assert.ErrorIs(t, err, service.ErrAlreadyKilled)
	assert.Equal(t, service.OutcomeFailure, service.Classify(err))

	res, err := c.Health(ctx)
	assert.ErrorIs(t, err, service.ErrUnhealthy)
	assert.False(t, res.IsHealthy)
	assert.NotEmpty(t, res.FailedChecks)

	_, err = c.Recover(ctx, service.RecoverInput{ApprovalCode: "wrong"})
	assert.ErrorIs(t, err, killswitch.ErrRecoveryApprovalFailed)

	now := time.Now().UTC()
	_, err = c.SubmitContext(ctx, trigger.Context{
		"drawdown":              -0.01,
		"exchange_connected":    true,
		"last_price_update":     now.Format(time.RFC3339Nano),
		"last_heartbeat":        now.Format(time.RFC3339Nano),
		"conflicting_positions": 0,
	})
	require.NoError(t, err)

	rec, err := c.Recover(ctx, service.RecoverInput{ApprovalCode: testCode, Reason: "venue back"})
	require.NoError(t, err)
	assert.Equal(t, models.StateRecovering, rec.Event.ToState)
	assert.Equal(t, "alice", rec.Event.TriggeredBy)

	info, err := c.RecoveryStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCooldown, info.Phase)

	entries, err := c.Audit(ctx, now.Add(-time.Hour), time.Time{}, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestClient_Unauthorized(t *testing.T) {
	d := startDaemon(t)
	c, err := New(d.url)
	require.NoError(t, err)

	_, err = c.Status(context.Background(), false)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, service.OutcomeInternal, service.Classify(err))
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := DefaultTransportConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	c := newClient(t, url, WithTransport(cfg))

	_, err := c.Status(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, service.OutcomeInternal, service.Classify(err))
}

func TestAPIError_Unwrap(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"invalid_body", service.ErrInvalidInput},
		{"invalid_limit", service.ErrInvalidInput},
		{"already_killed", service.ErrAlreadyKilled},
		{"approval_throttled", killswitch.ErrApprovalThrottled},
		{"approval_failed", killswitch.ErrRecoveryApprovalFailed},
		{"health_check_failed", killswitch.ErrHealthCheckFailed},
		{"not_killed", killswitch.ErrNotKilled},
		{"no_pending_request", killswitch.ErrNoPendingRequest},
		{"persistence_failure", killswitch.ErrPersistenceFailure},
		{"internal_error", nil},
	}

	for _, tt := range tests {
		err := &APIError{StatusCode: 400, Code: tt.code}
		if tt.want == nil {
			assert.Nil(t, err.Unwrap(), tt.code)
			continue
		}
		assert.ErrorIs(t, err, tt.want, tt.code)
	}
}

func TestParseError_PlainText(t *testing.T) {
	err := parseError(http.StatusUnauthorized, []byte("Unauthorized\n"))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Unauthorized", apiErr.Message)
	assert.Empty(t, apiErr.Code)
}

// ============================================================
// Stream
// ============================================================

func TestStreamURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://127.0.0.1:8090", "ws://127.0.0.1:8090/ws/stream", false},
		{"https://ops.example.com/", "wss://ops.example.com/ws/stream", false},
		{"127.0.0.1:8090", "", true},
	}
	for _, tt := range tests {
		got, err := streamURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestDecodeStreamMessage(t *testing.T) {
	ev, err := decodeStreamMessage([]byte(`{"type":"stateChange","event":{"event_id":"ev-1","to_state":"KILLED"}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Event)
	assert.Equal(t, "ev-1", ev.Event.EventID)

	ev, err = decodeStreamMessage([]byte(`{"type":"status","status":{"state":"ACTIVE","position_limit_factor":1}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Status)
	assert.Equal(t, models.StateActive, ev.Status.State)

	_, err = decodeStreamMessage([]byte(`{"type":"chat"}`))
	assert.Error(t, err)
	_, err = decodeStreamMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestStream_ReceivesEvents(t *testing.T) {
	d := startDaemon(t)
	c := newClient(t, d.url)

	s, err := NewStream(d.url, testToken, DefaultStreamConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []models.KillSwitchEvent
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ev StreamEvent) {
			if ev.Event == nil {
				return
			}
			mu.Lock()
			events = append(events, *ev.Event)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool { return d.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StreamConnected, s.State())

	_, err = c.Trigger(context.Background(), "stream test", "bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, models.StateKilled, events[0].ToState)
	assert.Equal(t, "stream test", events[0].Reason)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	assert.Equal(t, StreamClosed, s.State())
}

func TestStream_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, err := NewStream(url, "", StreamConfig{
		InitialDelay:   5 * time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
		MaxRetries:     2,
		ConnectTimeout: 200 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	err = s.Run(context.Background(), func(StreamEvent) {})
	assert.Error(t, err)
}

func TestStreamState_String(t *testing.T) {
	assert.Equal(t, "connected", StreamConnected.String())
	assert.Equal(t, "reconnecting", StreamReconnecting.String())
	assert.Equal(t, "unknown", StreamState(42).String())
}
