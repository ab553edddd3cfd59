package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edumatrix/exam-marks-api/pkg/jobs"
)

// LockNotification describes a completed lock batch for downstream fan-out.
type LockNotification struct {
	LockedBy int64     `json:"locked_by"`
	Count    int       `json:"count"`
	At       time.Time `json:"at"`
}

// NotificationService fans out marks lifecycle events over an in-process
// worker queue. Delivery is best effort; a full queue drops the event with a
// warning rather than blocking mark capture.
type NotificationService struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewNotificationService constructs the dispatcher and its queue.
func NewNotificationService(workers, bufferSize int, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{logger: logger}
	s.queue = jobs.NewQueue("notifications", s.handle, jobs.QueueConfig{
		Workers:    workers,
		BufferSize: bufferSize,
		Logger:     logger,
	})
	return s
}

// Start launches the dispatch workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the queue and stops the workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// SummariesLocked enqueues a lock-batch event.
func (s *NotificationService) SummariesLocked(lockedBy int64, count int) {
	event := LockNotification{LockedBy: lockedBy, Count: count, At: time.Now().UTC()}
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    "summaries.locked",
		Payload: event,
	}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("notification dropped", zap.String("type", job.Type), zap.Error(err))
	}
}

func (s *NotificationService) handle(ctx context.Context, job jobs.Job) error {
	switch job.Type {
	case "summaries.locked":
		event, ok := job.Payload.(LockNotification)
		if !ok {
			return fmt.Errorf("unexpected payload for %s", job.Type)
		}
		// Downstream channels (mail, SMS) hang off here; for now the event
		// lands in the structured log stream.
		s.logger.Info("summaries locked",
			zap.Int64("locked_by", event.LockedBy),
			zap.Int("count", event.Count),
			zap.Time("at", event.At))
		return nil
	default:
		return fmt.Errorf("unknown notification type %s", job.Type)
	}
}
