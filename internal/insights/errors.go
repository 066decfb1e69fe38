package insights

import (
	"errors"
	"fmt"
)

// Sentinel errors. Match with errors.Is.
var (
	// ErrConfidenceOutOfRange is returned when a fact's confidence is outside [0,1].
	ErrConfidenceOutOfRange = errors.New("confidence must be within [0,1]")

	// ErrChannelMissing is returned when no sink is registered for a channel kind.
	ErrChannelMissing = errors.New("delivery channel not configured")

	// ErrDisabled is returned by operations invoked on a disabled engine.
	ErrDisabled = errors.New("insight engine disabled")

	// ErrUnknownSource is returned for a source id with no adapter.
	ErrUnknownSource = errors.New("unknown source")
)

// AdapterError is an I/O or timeout failure during a poll.
type AdapterError struct {
	SourceID string
	Err      error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %s: %v", e.SourceID, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// HandlerError is a failure inside a generation handler.
type HandlerError struct {
	SourceID string
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.SourceID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// DeliveryError is a transport failure on a delivery channel.
type DeliveryError struct {
	Channel ChannelKind
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StoreError is a persistence failure.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConfigError is an invalid configuration value detected at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}
