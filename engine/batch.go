package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rocketbitz/rdm-transfer-go/transport"
)

// BatchID identifies one allocated batch.
type BatchID = uuid.UUID

// Batch groups the transfer requests submitted under one identifier so their
// progress can be polled and their bookkeeping released together.
type Batch struct {
	id uuid.UUID

	mu    sync.Mutex
	tasks []*transport.Task
}

// ID returns the batch identifier.
func (b *Batch) ID() BatchID { return b.id }

// TaskCount returns the number of transfer requests submitted to the batch.
func (b *Batch) TaskCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

func (b *Batch) appendTask(task *transport.Task) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = append(b.tasks, task)
	return len(b.tasks) - 1
}

func (b *Batch) task(index int) *transport.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.tasks) {
		return nil
	}
	return b.tasks[index]
}

// inFlight reports whether any task still has posted slices outstanding.
func (b *Batch) inFlight() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, task := range b.tasks {
		if task.Status().Code == transport.StatusPending {
			return true
		}
	}
	return false
}
