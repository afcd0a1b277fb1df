package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"msgcommerce-backend/models"
)

type memorySink struct {
	mu      sync.Mutex
	events  []models.AuditEvent
	err     error
	entered chan struct{}
	block   chan struct{}
}

func (s *memorySink) Insert(_ context.Context, events []models.AuditEvent) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func TestWriterFlushesOnClose(t *testing.T) {
	sink := &memorySink{}
	w := NewWriter(sink, 16, zerolog.Nop())
	for i := 0; i < 10; i++ {
		w.Record(models.AuditEvent{Kind: KindAdminAuthFailed, ClientIP: "198.51.100.1"}, map[string]any{"attempt": i})
	}
	w.Close()

	if len(sink.events) != 10 {
		t.Fatalf("flushed %d events, want 10", len(sink.events))
	}
	e := sink.events[0]
	if e.CreatedAt.IsZero() || len(e.Details) == 0 {
		t.Fatalf("event not populated: %+v", e)
	}
}

func TestWriterDropsWhenFull(t *testing.T) {
	sink := &memorySink{entered: make(chan struct{}, 1), block: make(chan struct{})}
	w := NewWriter(sink, 1, zerolog.Nop())

	w.Record(models.AuditEvent{Kind: KindRateLimited}, nil)
	<-sink.entered

	// the worker is stuck in Insert: one event fits the queue, the rest drop
	for i := 0; i < 50; i++ {
		w.Record(models.AuditEvent{Kind: KindRateLimited}, nil)
	}
	close(sink.block)
	w.Close()

	if n := len(sink.events); n != 2 {
		t.Fatalf("persisted %d events, want 2", n)
	}
}

func TestWriterSurvivesSinkErrors(t *testing.T) {
	sink := &memorySink{err: errors.New("db down")}
	w := NewWriter(sink, 4, zerolog.Nop())
	w.Record(models.AuditEvent{Kind: KindIsolationFailed}, nil)
	w.Close()
	w.Close()

	var nilWriter *Writer
	nilWriter.Record(models.AuditEvent{}, nil)
	nilWriter.Close()
}

func TestWriterRecordAfterClose(t *testing.T) {
	sink := &memorySink{}
	w := NewWriter(sink, 4, zerolog.Nop())
	w.Record(models.AuditEvent{Kind: KindAdminAuthFailed}, nil)
	w.Close()

	// requests still in flight during shutdown keep recording
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Record(models.AuditEvent{Kind: KindRateLimited}, map[string]any{"late": true})
		}()
	}
	wg.Wait()
	w.Close()

	if n := len(sink.events); n != 1 {
		t.Fatalf("persisted %d events, want 1", n)
	}
}
