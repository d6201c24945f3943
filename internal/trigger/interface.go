package trigger

import (
	"context"
	"time"

	"github.com/mattjoyce/tryextender/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/mattjoyce/tryextender/internal/trigger QueueService

// QueueService is the queue surface the dispatcher needs.
type QueueService interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, jobID string, status queue.Status, lastError *string) error
	Retry(ctx context.Context, jobID string, nextAt time.Time, lastError string) error
	FindJobsByStatus(ctx context.Context, status queue.Status) ([]*queue.Job, error)
	Depth(ctx context.Context) (map[queue.Priority]int, error)
	PruneLogs(ctx context.Context, retention time.Duration) (int64, error)
}
