package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists executions. Implementations provide their own atomicity for
// single operations; the worker relies on Get-then-Update under the broker's
// single-consumer ownership of each message.
type Store interface {
	// Create persists a new execution. It fails if the id already exists.
	Create(ctx context.Context, exec *Execution) error

	// Get returns the execution with the given id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Execution, error)

	// Update persists the current state of an execution previously loaded
	// via Get.
	Update(ctx context.Context, exec *Execution) error

	// UpdateIf persists the execution only while the stored status still
	// equals expected, returning ErrStatusConflict otherwise. This is the
	// guard that keeps a worker's result from overwriting a cancellation
	// that landed after the worker last read the execution.
	UpdateIf(ctx context.Context, exec *Execution, expected Status) error

	// CountByStatus returns the number of executions per status, for
	// operational statistics.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// ListRunningBefore returns executions still RUNNING that started
	// before the cutoff, used to fail abandoned work.
	ListRunningBefore(ctx context.Context, cutoff time.Time) ([]*Execution, error)
}
