package websocket

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"killswitch/internal/killswitch"
	"killswitch/internal/models"
)

func TestNewHub(t *testing.T) {
	hub := NewHub(nil)
	require.NotNil(t, hub)
	assert.Zero(t, hub.ClientCount())
	assert.Zero(t, hub.DroppedMessages())
}

func TestAllowOrigins(t *testing.T) {
	allowed := allowOrigins([]string{"http://localhost:3000", " https://ops.example.com "})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"https://ops.example.com", true},
		{"http://evil.com", false},
		{"http://localhost:8080", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, allowed(tt.origin), tt.origin)
	}

	for _, origins := range [][]string{nil, {"*"}, {" "}, {"https://a.example", "*"}} {
		assert.True(t, allowOrigins(origins)("https://anything.example.org"), "%v", origins)
	}
}

func TestHub_BroadcastNonBlocking(t *testing.T) {
	hub := NewHub(nil)
	// Run не запущен: очередь заполняется, остальное отбрасывается

	for i := 0; i < broadcastBufferSize+10; i++ {
		hub.Broadcast(map[string]int{"i": i})
	}

	assert.Equal(t, int64(10), hub.DroppedMessages())
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub(nil)

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	hub.Stop()
	hub.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}

	// после Stop рассылка молча игнорируется
	hub.BroadcastRaw([]byte(`{}`))
}

func TestHub_SlowClientRemoved(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	slow := &subscriber{hub: hub, send: make(chan []byte)} // без буфера и без читателя
	require.True(t, hub.join(slow))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.BroadcastRaw([]byte(`{"type":"status"}`))
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-slow.send
	assert.False(t, ok, "send channel must be closed")
}

// fakeSource - EventSource для проверки подписки
type fakeSource struct {
	onEvent  killswitch.Callback
	onStatus killswitch.StatusObserver
}

func (f *fakeSource) OnEvent(cb killswitch.Callback) { f.onEvent = cb }
func (f *fakeSource) OnStatus(obs killswitch.StatusObserver) { f.onStatus = obs }

func TestHub_StreamsStateChanges(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	src := &fakeSource{}
	hub.Attach(src)
	require.NotNil(t, src.onEvent)
	require.NotNil(t, src.onStatus)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stream"
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	ts := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	src.onEvent(models.KillSwitchEvent{
		EventID:     "ev-001",
		Timestamp:   ts,
		FromState:   models.StateActive,
		ToState:     models.StateKilled,
		Reason:      "drawdown breach",
		TriggeredBy: "trigger",
	})
	src.onStatus(killswitch.Status{State: models.StateKilled, LastEventID: "ev-001", UpdatedAt: ts})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var change StateChangeMessage
	require.NoError(t, conn.ReadJSON(&change))
	assert.Equal(t, MessageTypeStateChange, change.Type)
	assert.Equal(t, "ev-001", change.Event.EventID)
	assert.Equal(t, models.StateKilled, change.Event.ToState)

	var status StatusMessage
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, MessageTypeStatus, status.Type)
	assert.Equal(t, models.StateKilled, status.Status.State)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub(nil)
	hub.SetAllowedOrigins([]string{"https://ops.example.com"})
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := map[string][]string{"Origin": {"https://evil.example.com"}}
	_, resp, err := gws.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}

func TestHub_ConcurrentBroadcast(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	// колбэки ядра вызывают Broadcast из разных горутин
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				hub.Broadcast(NewStatusMessage(killswitch.Status{State: models.StateKilled, EventCount: id*1000 + j}))
				_ = hub.ClientCount()
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkHub_Broadcast(b *testing.B) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	msg := NewStatusMessage(killswitch.Status{State: models.StateActive, PositionLimitFactor: 1})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.Broadcast(msg)
	}
}
