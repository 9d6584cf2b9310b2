package websocket

import (
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"killswitch/internal/killswitch"
	"killswitch/internal/models"
	"killswitch/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// broadcastBufferSize - очередь рассылки; при переполнении сообщение отбрасывается
const broadcastBufferSize = 256

// EventSource - источник событий выключателя (обычно *killswitch.Core)
type EventSource interface {
	OnEvent(cb killswitch.Callback)
	OnStatus(obs killswitch.StatusObserver)
}

// Hub управляет всеми активными WebSocket соединениями
//
// Рассылает операторам события переходов и снимки статуса.
// Broadcast никогда не блокирует вызывающего: колбэки ядра выполняются
// синхронно, поэтому медленный клиент не должен тормозить ядро.
//
// Использование:
// 1. Создать hub: hub := NewHub(logger)
// 2. Запустить в горутине: go hub.Run()
// 3. Подписать на ядро: hub.Attach(core)
type Hub struct {
	clients    map[*subscriber]bool
	broadcast  chan []byte
	register   chan *subscriber
	unregister chan *subscriber

	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once

	dropped       atomic.Int64
	originAllowed originPolicy
	logger        *utils.Logger
}

// NewHub создает новый Hub
func NewHub(logger *utils.Logger) *Hub {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Hub{
		clients:       make(map[*subscriber]bool),
		broadcast:     make(chan []byte, broadcastBufferSize),
		register:      make(chan *subscriber),
		unregister:    make(chan *subscriber),
		stopCh:        make(chan struct{}),
		originAllowed: allowOrigins(nil),
		logger:        logger.WithComponent("websocket"),
	}
}

// SetAllowedOrigins задаёт разрешённые Origin (пусто - разрешены все)
func (h *Hub) SetAllowedOrigins(origins []string) {
	h.originAllowed = allowOrigins(origins)
}

// join регистрирует подписчика; false - hub уже остановлен
func (h *Hub) join(s *subscriber) bool {
	select {
	case h.register <- s:
		return true
	case <-h.stopCh:
		return false
	}
}

func (h *Hub) leave(s *subscriber) {
	select {
	case h.unregister <- s:
	case <-h.stopCh:
	}
}

// Attach подписывает hub на события ядра
func (h *Hub) Attach(src EventSource) {
	src.OnEvent(func(ev models.KillSwitchEvent) {
		h.Broadcast(NewStateChangeMessage(ev))
	})
	src.OnStatus(func(st killswitch.Status) {
		h.Broadcast(NewStatusMessage(st))
	})
}

// Run запускает главный цикл Hub. Завершается после Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopCh:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", utils.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", utils.Int("clients", total))

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// fanOut отправляет сообщение всем клиентам; не успевающие клиенты отключаются
func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	clients := make([]*subscriber, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var slow []*subscriber
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			slow = append(slow, client)
		}
	}

	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Warn("removed slow websocket clients", utils.Int("removed", len(slow)), utils.Int("clients", total))
}

// Stop останавливает Run и закрывает все клиентские очереди
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Broadcast сериализует сообщение и ставит его в очередь без блокировки
func (h *Hub) Broadcast(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", utils.Err(err))
		return
	}
	h.BroadcastRaw(data)
}

// BroadcastRaw ставит в очередь уже сериализованное сообщение
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case <-h.stopCh:
		return
	default:
	}

	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - число сообщений, отброшенных из-за переполнения очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
