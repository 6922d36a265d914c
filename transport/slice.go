package transport

import "sync/atomic"

// SliceStatus tracks a slice through submission.
type SliceStatus int32

const (
	// SlicePending means the slice has not been accepted by the fabric yet.
	SlicePending SliceStatus = iota
	// SliceSuccess means the slice was accepted for posting.
	SliceSuccess
	// SliceFailed means the slice can never be posted or completed in error.
	SliceFailed
)

// Slice is one transfer unit: a local source window paired with a remote
// destination window. The transport mutates only the status field; the slice
// is owned by the caller for the duration of a submission.
type Slice struct {
	SourceAddr    uintptr
	Length        int
	RemoteAddr    uint64
	RemoteKey     uint64
	TargetNicPath string

	status atomic.Int32
	task   *Task
}

// NewSlice builds a slice attached to the task that aggregates its outcome.
// The task may be nil for callers that track completion themselves.
func NewSlice(task *Task, source uintptr, length int, remoteAddr, remoteKey uint64, targetNicPath string) *Slice {
	s := &Slice{
		SourceAddr:    source,
		Length:        length,
		RemoteAddr:    remoteAddr,
		RemoteKey:     remoteKey,
		TargetNicPath: targetNicPath,
		task:          task,
	}
	if task != nil {
		task.sliceCount.Add(1)
		task.totalBytes.Add(int64(length))
	}
	return s
}

// Status returns the slice's current status.
func (s *Slice) Status() SliceStatus {
	return SliceStatus(s.status.Load())
}

// MarkSuccess records that the fabric accepted the slice for posting.
func (s *Slice) MarkSuccess() {
	s.status.Store(int32(SliceSuccess))
}

// MarkFailed records that the slice will never be posted or completed.
func (s *Slice) MarkFailed() {
	if s.status.Swap(int32(SliceFailed)) == int32(SliceFailed) {
		return
	}
	if s.task != nil {
		s.task.failed.Add(1)
	}
}

// Completed records the fabric-reported completion for the slice. A non-nil
// err marks the slice failed even if it had been accepted for posting.
func (s *Slice) Completed(err error) {
	if err != nil {
		s.MarkFailed()
		return
	}
	if s.task != nil {
		s.task.completed.Add(1)
		s.task.transferred.Add(int64(s.Length))
	}
}

// Task returns the owning task, if any.
func (s *Slice) Task() *Task { return s.task }

// TransferStatusCode summarizes a task's progress.
type TransferStatusCode int

const (
	// StatusWaiting means no slice has been submitted yet.
	StatusWaiting TransferStatusCode = iota
	// StatusPending means slices are posted but not all have completed.
	StatusPending
	// StatusCompleted means every slice completed successfully.
	StatusCompleted
	// StatusFailed means at least one slice failed permanently.
	StatusFailed
)

func (c TransferStatusCode) String() string {
	switch c {
	case StatusWaiting:
		return "waiting"
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// TransferStatus is the caller-visible progress snapshot for one request.
type TransferStatus struct {
	Code             TransferStatusCode
	TransferredBytes int64
}

// Task aggregates the per-slice outcomes of one transfer request.
type Task struct {
	sliceCount  atomic.Int64
	totalBytes  atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	transferred atomic.Int64
}

// Status derives the task's progress from its slice counters.
func (t *Task) Status() TransferStatus {
	total := t.sliceCount.Load()
	completed := t.completed.Load()
	failed := t.failed.Load()
	status := TransferStatus{TransferredBytes: t.transferred.Load()}
	switch {
	case total == 0:
		status.Code = StatusWaiting
	case failed > 0 && completed+failed >= total:
		status.Code = StatusFailed
	case completed >= total:
		status.Code = StatusCompleted
	default:
		status.Code = StatusPending
	}
	return status
}

// TotalBytes returns the byte count across every slice attached to the task.
func (t *Task) TotalBytes() int64 { return t.totalBytes.Load() }
