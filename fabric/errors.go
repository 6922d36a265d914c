package fabric

import "errors"

var (
	// ErrQueueFull indicates the endpoint's transmit queue cannot accept
	// another request right now. The operation may be retried later.
	ErrQueueFull = errors.New("fabric: transmit queue full")
	// ErrNoCompletion indicates that no completion entries were available.
	ErrNoCompletion = errors.New("fabric: no completion available")
	// ErrNoDevices indicates that the provider did not expose any devices.
	ErrNoDevices = errors.New("fabric: no devices found")
	// ErrProviderUnknown indicates that no provider is registered under the requested name.
	ErrProviderUnknown = errors.New("fabric: provider not registered")
	// ErrUnknownAddress indicates that a destination address was never inserted
	// into the address vector.
	ErrUnknownAddress = errors.New("fabric: unknown destination address")
	// ErrDescriptorRequired indicates that an operation was posted without the
	// local registration descriptor the provider mandates.
	ErrDescriptorRequired = errors.New("fabric: local memory descriptor required")
)

// ErrInvalidHandle reports use of a resource that was never opened or has
// already been closed.
type ErrInvalidHandle struct {
	Kind string
}

func (e ErrInvalidHandle) Error() string {
	return "fabric: invalid " + e.Kind + " handle"
}
