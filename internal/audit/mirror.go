package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"killswitch/internal/models"
	"killswitch/pkg/retry"
	"killswitch/pkg/utils"
)

// Mirror - внешнее хранилище копий записей аудита (например, PostgreSQL)
type Mirror interface {
	Insert(ctx context.Context, entry models.AuditEntry) error
}

// AsyncSink доставляет записи в Mirror из отдельной горутины.
//
// Очередь ограничена: при переполнении запись отбрасывается и учитывается
// в метрике. Ошибки зеркала повторяются и логируются, но никогда не
// возвращаются в Append: журнал на диске уже записан.
type AsyncSink struct {
	name    string
	mirror  Mirror
	queue   chan models.AuditEntry
	logger  *utils.Logger
	retry   retry.Config
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncSink создаёт зеркало и запускает воркер
func NewAsyncSink(name string, mirror Mirror, queueSize int, logger *utils.Logger) *AsyncSink {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	s := &AsyncSink{
		name:    name,
		mirror:  mirror,
		queue:   make(chan models.AuditEntry, queueSize),
		logger:  logger.WithComponent("audit_mirror").With(utils.String("sink", name)),
		retry:   retry.MirrorConfig(),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue ставит запись в очередь без блокировки
func (s *AsyncSink) Enqueue(entry models.AuditEntry) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		MirrorEntries.WithLabelValues(s.name, "dropped").Inc()
		return false
	}

	select {
	case s.queue <- entry:
		MirrorQueueDepth.WithLabelValues(s.name).Set(float64(len(s.queue)))
		return true
	default:
		MirrorEntries.WithLabelValues(s.name, "dropped").Inc()
		s.logger.Warn("audit mirror queue full, entry dropped", utils.Int64("seq", int64(entry.Seq)))
		return false
	}
}

// Close прекращает приём и дожидается доставки очереди
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
}

func (s *AsyncSink) run() {
	defer close(s.done)

	for entry := range s.queue {
		MirrorQueueDepth.WithLabelValues(s.name).Set(float64(len(s.queue)))
		s.deliver(entry)
	}
}

func (s *AsyncSink) deliver(entry models.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := retry.Do(ctx, func() error {
		return s.mirror.Insert(ctx, entry)
	}, s.retry)
	if err != nil {
		MirrorEntries.WithLabelValues(s.name, "failed").Inc()
		s.logger.Error("audit mirror write failed",
			utils.Int64("seq", int64(entry.Seq)),
			utils.String("type", string(entry.Type)),
			utils.Err(err),
		)
		return
	}
	MirrorEntries.WithLabelValues(s.name, "delivered").Inc()
}

// Backfill досылает в зеркало записи журнала с Seq > after (догоняет
// зеркало после простоя БД). Синхронно, с повтором каждой записи.
// Останавливается на первой недоставленной записи: порядок Seq в зеркале
// не нарушается. Возвращает число доставленных записей.
func (t *Trail) Backfill(ctx context.Context, mirror Mirror, after uint64) (int, error) {
	cfg := retry.MirrorConfig()
	n := 0
	err := t.Iterate(time.Time{}, time.Time{}, func(e models.AuditEntry) error {
		if e.Seq <= after {
			return nil
		}
		if err := retry.Do(ctx, func() error { return mirror.Insert(ctx, e) }, cfg); err != nil {
			return fmt.Errorf("backfill seq %d: %w", e.Seq, err)
		}
		n++
		return nil
	})
	if n > 0 {
		t.logger.Info("audit mirror backfilled", utils.Int("entries", n), utils.Int64("after_seq", int64(after)))
	}
	return n, err
}
