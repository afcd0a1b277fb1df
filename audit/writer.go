package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"msgcommerce-backend/metrics"
	"msgcommerce-backend/models"
)

// Event kinds.
const (
	KindSignatureRejected = "webhook.signature_rejected"
	KindAdminAuthFailed   = "admin.auth_failed"
	KindAdminLockout      = "admin.lockout"
	KindAdminReset        = "admin.attempts_reset"
	KindRateLimited       = "ratelimit.rejected"
	KindIsolationFailed   = "tenant.isolation_failed"
)

// Sink persists audit events.
type Sink interface {
	Insert(ctx context.Context, events []models.AuditEvent) error
}

// GormSink writes events into audit_events.
type GormSink struct {
	DB *gorm.DB
}

func (s GormSink) Insert(ctx context.Context, events []models.AuditEvent) error {
	return s.DB.WithContext(ctx).Create(&events).Error
}

// Writer queues events and flushes them from one goroutine. Record never
// blocks: when the queue is full or the writer is closed the event is dropped
// and counted.
type Writer struct {
	sink  Sink
	log   zerolog.Logger
	queue chan models.AuditEvent
	wg    sync.WaitGroup
	once  sync.Once

	mu     sync.RWMutex
	closed bool
}

func NewWriter(sink Sink, size int, log zerolog.Logger) *Writer {
	if size <= 0 {
		size = 1024
	}
	w := &Writer{sink: sink, log: log, queue: make(chan models.AuditEvent, size)}
	w.wg.Add(1)
	go w.run()
	return w
}

// Record enqueues an event. It is safe on a nil Writer.
func (w *Writer) Record(e models.AuditEvent, details map[string]any) {
	if w == nil {
		return
	}
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			e.Details = datatypes.JSON(raw)
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		metrics.AuditDropped.Inc()
		return
	}
	select {
	case w.queue <- e:
	default:
		metrics.AuditDropped.Inc()
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	const maxBatch = 64
	batch := make([]models.AuditEvent, 0, maxBatch)
	for e := range w.queue {
		batch = append(batch, e)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-w.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		w.flush(batch)
		batch = batch[:0]
	}
}

func (w *Writer) flush(batch []models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.sink.Insert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("events", len(batch)).Msg("audit insert failed, events dropped")
		metrics.AuditDropped.Add(float64(len(batch)))
	}
}

// Close stops accepting events and waits for the queue to drain.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
	w.wg.Wait()
}
