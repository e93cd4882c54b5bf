package gpu

import (
	"fmt"

	"go.uber.org/multierr"
)

// SyncContext is a dedicated stream plus completion event for cache copies.
// Copies issued on it can overlap with compute on the device's current stream.
type SyncContext struct {
	stream Stream
	event  Event
}

// NewSyncContext acquires a new stream and event on dev.
// It fails with ErrStreamAliased if the runtime returned the current stream.
func NewSyncContext(dev Device) (*SyncContext, error) {
	stream, err := dev.NewStream()
	if err != nil {
		return nil, fmt.Errorf("create cache stream: %w", err)
	}

	if cur := dev.CurrentStream(); cur != nil && cur.Handle() == stream.Handle() {
		// Never destroy the shared stream.
		return nil, fmt.Errorf("%w: handle %#x", ErrStreamAliased, stream.Handle())
	}

	event, err := dev.NewEvent()
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("create cache event: %w", err), stream.Destroy())
	}

	return &SyncContext{stream: stream, event: event}, nil
}

// Stream returns the cache stream.
func (c *SyncContext) Stream() Stream {
	return c.stream
}

// Event returns the completion event.
func (c *SyncContext) Event() Event {
	return c.event
}

// Close releases the event and stream.
func (c *SyncContext) Close() error {
	var err error
	if c.event != nil {
		err = multierr.Append(err, c.event.Destroy())
		c.event = nil
	}
	if c.stream != nil {
		err = multierr.Append(err, c.stream.Destroy())
		c.stream = nil
	}
	return err
}
