package fabric

// Address represents a resolved peer handle assigned by the address vector.
type Address uint64

// AddressUnspecified represents an invalid or unspecified remote address.
const AddressUnspecified = Address(^uint64(0))

// AccessFlag represents allowed operations on a registered memory region.
type AccessFlag uint64

const (
	// AccessLocalRead allows local read access to the registered memory.
	AccessLocalRead AccessFlag = 1 << iota
	// AccessLocalWrite allows local write access to the registered memory.
	AccessLocalWrite
	// AccessRemoteRead allows remote peers to issue read operations.
	AccessRemoteRead
	// AccessRemoteWrite allows remote peers to issue write operations.
	AccessRemoteWrite
)

// AccessFull combines every local and remote capability.
const AccessFull = AccessLocalRead | AccessLocalWrite | AccessRemoteRead | AccessRemoteWrite

// AVType selects the address vector implementation.
type AVType int

const (
	AVTypeUnspec AVType = iota
	AVTypeMap
	AVTypeTable
)

// AVAttr controls address vector creation.
type AVAttr struct {
	Type AVType
	// Count sizes the vector for the expected number of peers.
	Count int
}

// CQAttr controls completion queue creation.
type CQAttr struct {
	// Size bounds the number of undrained completion entries.
	Size int
}

// BindFlag controls endpoint binding behavior.
type BindFlag uint64

const (
	BindSend BindFlag = 1 << iota
	BindRecv
)

// AddressVector maps raw provider addresses to compact peer handles shared by
// every endpoint bound to it.
type AddressVector interface {
	// InsertRaw inserts a provider-specific address byte sequence and returns
	// the handle subsequent operations address the peer by.
	InsertRaw(addr []byte) (Address, error)
	Close() error
}

// Completion reports the outcome of one posted operation.
type Completion struct {
	// Context is the opaque value supplied when the operation was posted.
	Context any
	// Length is the number of bytes the operation moved.
	Length int
	// Err is non-nil when the provider completed the operation in error.
	Err error
}

// CompletionQueue reports completed operations. Read never blocks; it returns
// ErrNoCompletion when the queue is empty.
type CompletionQueue interface {
	Read() (*Completion, error)
	Close() error
}

// MemoryRegion is a registered memory buffer usable with fabric operations.
// Keys are always non-zero once assigned.
type MemoryRegion interface {
	Key() uint64
	Base() uintptr
	Length() int
	Close() error
}

// WriteRequest describes a one-sided remote write.
type WriteRequest struct {
	// LocalAddr and Length delimit the local source buffer.
	LocalAddr uintptr
	Length    int
	// Desc is the local registration descriptor covering LocalAddr. Providers
	// in this repository mandate a non-nil descriptor.
	Desc MemoryRegion
	// Dest is the resolved peer handle from the address vector.
	Dest Address
	// RemoteAddr and RemoteKey identify the target region on the peer.
	RemoteAddr uint64
	RemoteKey  uint64
	// Context is returned verbatim in the matching Completion.
	Context any
}

// Endpoint is one RDM communication endpoint. It must be bound to an address
// vector and completion queues, then enabled, before posting operations.
type Endpoint interface {
	BindAddressVector(av AddressVector) error
	BindCompletionQueue(cq CompletionQueue, flags BindFlag) error
	Enable() error
	// Name returns the endpoint's raw transport address bytes.
	Name() ([]byte, error)
	// PostWrite queues a one-sided write. It returns ErrQueueFull when the
	// transmit queue is momentarily out of space; the request may be retried.
	PostWrite(req *WriteRequest) error
	Close() error
}
