// Package dispatcher delivers watch callbacks asynchronously. Deliveries are
// buffered, retried and guarded by a circuit breaker per callback host.
package dispatcher

import (
	"context"
	"errors"
	"jobwatch/pkg/cloudevent"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event without blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	Stats() Stats

	// Close delivers what is still queued until the context expires.
	Close(ctx context.Context) error
}

// Event is a watch CloudEvent addressed to a callback URL.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key, empty = unsigned
	WatchID     string
	requeues    int // times requeued while the destination's circuit was open
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth       int
	Queued           int64
	Delivered        int64
	Failed           int64 // failed after retries
	Dropped          int64 // full buffer or too many requeues
	Requeued         int64 // requeued due to an open circuit
	RetriesTotal     int64
	BreakersTotal    int
	BreakersOpen     int
	UnreachableHosts []string // callback hosts with an open circuit, sorted
}
