package relayclient

import (
	"sync"

	"github.com/pkg/errors"

	"vending-controller/internal/nostr"
)

var (
	ErrLagged       = errors.New("notification receiver lagged behind")
	ErrClientClosed = errors.New("relay client closed")
)

// Notification is one relay message, or the client's final Shutdown
// notice.
type Notification struct {
	RelayURL string
	Message  nostr.RelayMessage
	Shutdown bool
}

// Receiver is a bounded notification stream. A receiver that falls behind is
// closed with ErrLagged instead of silently dropping messages.
type Receiver struct {
	ch chan Notification

	mu     sync.Mutex
	closed bool
	err    error
}

func NewReceiver(size int) *Receiver {
	if size <= 0 {
		size = DefaultNotificationBuffer
	}
	return &Receiver{ch: make(chan Notification, size)}
}

func (r *Receiver) C() <-chan Notification { return r.ch }

// Err reports why the channel was closed.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Deliver enqueues n without blocking. It returns false when the receiver is
// closed, including when this delivery overflowed it.
func (r *Receiver) Deliver(n Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.ch <- n:
		return true
	default:
		r.closed = true
		r.err = ErrLagged
		close(r.ch)
		return false
	}
}

func (r *Receiver) Close(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.err = err
	close(r.ch)
}
