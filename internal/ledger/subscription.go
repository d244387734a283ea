package ledger

import (
	"context"
	"sync"

	"blitzi/internal/store"
)

// Stream yields the state updates of one operation in order.
type Stream[T any] interface {
	// Next blocks until the next update. It returns ErrStreamEnded if the
	// stream finished without a terminal update, or ctx.Err().
	Next(ctx context.Context) (T, error)
	Close()
}

// hub wakes subscribers when new updates for an operation were persisted.
type hub struct {
	mu    sync.Mutex
	subs  map[OperationID]map[chan struct{}]struct{}
	ended map[OperationID]error
}

func newHub() *hub {
	return &hub{
		subs:  make(map[OperationID]map[chan struct{}]struct{}),
		ended: make(map[OperationID]error),
	}
}

func (h *hub) register(id OperationID) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[chan struct{}]struct{})
	}
	h.subs[id][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs[id], ch)
		if len(h.subs[id]) == 0 {
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
}

func (h *hub) notify(id OperationID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// end marks the federation stream for id as finished. err is nil when it
// closed without an error.
func (h *hub) end(id OperationID, err error) {
	h.mu.Lock()
	h.ended[id] = err
	h.mu.Unlock()
	h.notify(id)
}

func (h *hub) reset(id OperationID) {
	h.mu.Lock()
	delete(h.ended, id)
	h.mu.Unlock()
}

func (h *hub) endedWith(id OperationID) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	err, ok := h.ended[id]
	return ok, err
}

// Subscription is a Stream backed by the persisted update log.
type Subscription[T any] struct {
	updates <-chan T
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case u, ok := <-s.updates:
		if !ok {
			<-s.done
			if s.err != nil {
				return zero, s.err
			}
			return zero, ErrStreamEnded
		}
		return u, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close abandons the subscription. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.cancel()
}

func subscribe[T any](c *Client, id OperationID, conv func(*store.UpdateRecord) T, final func(T) bool) *Subscription[T] {
	ctx, cancel := context.WithCancel(c.ctx)
	out := make(chan T)
	s := &Subscription[T]{updates: out, cancel: cancel, done: make(chan struct{})}

	stopErr := func(err error) error {
		switch {
		case c.ctx.Err() != nil:
			return ErrClientClosed
		case ctx.Err() != nil:
			return ErrSubscriptionClosed
		}
		return err
	}

	wake, unregister := c.hub.register(id)

	go func() {
		defer close(out)
		defer close(s.done)
		defer unregister()

		var last int64
		for {
			// Checked before reading so that every update persisted ahead of
			// the end marker is delivered.
			ended, trackErr := c.hub.endedWith(id)

			records, err := c.store.ListUpdates(ctx, id)
			if err != nil {
				s.err = stopErr(err)
				return
			}
			for _, rec := range records {
				if rec.Seq <= last {
					continue
				}
				last = rec.Seq
				u := conv(rec)
				select {
				case out <- u:
				case <-ctx.Done():
					s.err = stopErr(ctx.Err())
					return
				}
				if final(u) {
					return
				}
			}

			if ended {
				s.err = trackErr
				return
			}

			select {
			case <-wake:
			case <-ctx.Done():
				s.err = stopErr(ctx.Err())
				return
			}
		}
	}()

	return s
}
