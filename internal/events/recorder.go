// Package events records the security audit trail.
package events

import (
	"context"
	"sync"
	"time"

	"productivity-auth/internal/metrics"
	"productivity-auth/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	writeTimeout       = 5 * time.Second
	defaultRecentLimit = 20
	maxRecentLimit     = 100
)

// Store is the persistence the recorder needs.
type Store interface {
	InsertSecurityEvent(ctx context.Context, event *models.SecurityEvent) error
	CountSecurityEvents(ctx context.Context, userID string, eventType models.EventType, since time.Time) (int, error)
	ListSecurityEvents(ctx context.Context, userID string, limit int) ([]models.SecurityEvent, error)
	DeleteSecurityEventsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Recorder writes security events off the request path. Writes go through a
// bounded queue drained by one worker; when the queue is full or closed the
// write happens inline. Write failures are logged and never returned.
type Recorder struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan *models.SecurityEvent
	done   chan struct{}
}

// NewRecorder starts the background writer. Call Close to drain it.
func NewRecorder(store Store, logger *zap.Logger, m *metrics.Metrics, bufferSize int) *Recorder {
	if bufferSize < 0 {
		bufferSize = 0
	}
	r := &Recorder{
		store:   store,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		queue:   make(chan *models.SecurityEvent, bufferSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// SetClock replaces the time source. Tests only.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Recorder) run() {
	defer close(r.done)
	for event := range r.queue {
		r.write(context.Background(), event)
	}
}

// Record stamps and stores event. It never fails the caller.
func (r *Recorder) Record(ctx context.Context, event models.SecurityEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}
	r.metrics.SecurityEvents.WithLabelValues(string(event.Type)).Inc()

	r.mu.RLock()
	if !r.closed {
		select {
		case r.queue <- &event:
			r.mu.RUnlock()
			return
		default:
		}
	}
	r.mu.RUnlock()

	r.write(context.WithoutCancel(ctx), &event)
}

func (r *Recorder) write(ctx context.Context, event *models.SecurityEvent) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := r.store.InsertSecurityEvent(ctx, event); err != nil {
		r.metrics.SecurityEventDrops.Inc()
		r.logger.Warn("Failed to record security event",
			zap.String("event_type", string(event.Type)),
			zap.String("user_id", event.UserID),
			zap.String("client_id", event.ClientID),
			zap.Error(err),
		)
	}
}

// CountFailedLogins counts login failures for userID since the cutoff.
func (r *Recorder) CountFailedLogins(ctx context.Context, userID string, since time.Time) (int, error) {
	return r.store.CountSecurityEvents(ctx, userID, models.EventLoginFailure, since)
}

// RecentEvents returns the newest events of userID. limit is clamped to
// [1, 100] with 20 for non-positive values.
func (r *Recorder) RecentEvents(ctx context.Context, userID string, limit int) ([]models.SecurityEvent, error) {
	switch {
	case limit <= 0:
		limit = defaultRecentLimit
	case limit > maxRecentLimit:
		limit = maxRecentLimit
	}
	events, err := r.store.ListSecurityEvents(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []models.SecurityEvent{}
	}
	return events, nil
}

// Prune deletes events older than before. Only the sweeper calls this.
func (r *Recorder) Prune(ctx context.Context, before time.Time) (int64, error) {
	return r.store.DeleteSecurityEventsBefore(ctx, before)
}

// Close stops accepting queued writes and waits for the queue to drain.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
}
