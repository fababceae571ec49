// Package reactor multiplexes many reactive handles on a single thread
// with select(2). One call to [Reactor.React] is one tick: a readiness
// poll followed by callback dispatch in registration order.
package reactor

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// Handle is a registered readiness target. ID must return a stable
// integer derived from the underlying descriptor for as long as the
// handle is open.
type Handle interface {
	ID() int
	IsOpen() bool
	OnReadable() error
	OnOutOfBand() error
}

// aborter is implemented by handles the reactor can tear down after a
// callback failure, without a wire-level notification.
type aborter interface {
	Abort()
}

// Reactor dispatches readiness events to registered handles. It holds
// non-owning references keyed by handle ID; handles are registered on
// accept and deregistered when they close. All methods must be called
// from the same goroutine that runs React.
type Reactor struct {
	logger *slog.Logger
	order  []Handle
	byID   map[int]Handle
}

func New(l *slog.Logger) *Reactor {
	if l == nil {
		l = slog.Default()
	}
	return &Reactor{
		logger: l,
		byID:   map[int]Handle{},
	}
}

// Add registers a handle. Re-adding an ID replaces the previous entry
// in place, so a descriptor number reused after a close cannot leave a
// stale handle behind.
func (r *Reactor) Add(h Handle) {
	id := h.ID()
	if old, ok := r.byID[id]; ok {
		for i, oh := range r.order {
			if oh == old {
				r.order[i] = h
				break
			}
		}
		r.byID[id] = h
		return
	}

	r.byID[id] = h
	r.order = append(r.order, h)
}

// Remove deregisters a handle. It compares by identity, so removing a
// handle whose ID has since been re-registered to another is a no-op.
func (r *Reactor) Remove(h Handle) {
	id := h.ID()
	if r.byID[id] != h {
		return
	}

	delete(r.byID, id)
	for i, oh := range r.order {
		if oh == h {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered handles.
func (r *Reactor) Len() int {
	return len(r.order)
}

// React performs one tick: select the registered set for readability and
// out-of-band readiness, then dispatch OnOutOfBand before OnReadable on
// each ready handle. A failed OnOutOfBand suppresses the same handle's
// OnReadable for this tick. Callback errors never propagate to the
// caller; the offending handle is torn down instead. A negative timeout
// blocks until readiness.
//
// Callbacks may add, remove, or close handles (including other ones):
// the ready set is snapshotted before dispatch, and entries that got
// deregistered or closed mid-tick are skipped.
func (r *Reactor) React(timeout time.Duration) (int, error) {
	if len(r.order) == 0 {
		return 0, nil
	}

	snapshot := append([]Handle(nil), r.order...)

	var rset, eset unix.FdSet
	maxFD := -1
	for _, h := range snapshot {
		if !h.IsOpen() {
			continue
		}
		fd := h.ID()
		rset.Set(fd)
		eset.Set(fd)
		if fd > maxFD {
			maxFD = fd
		}
	}
	if maxFD < 0 {
		return 0, nil
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n, err := unix.Select(maxFD+1, &rset, nil, &eset, tv)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	ready := 0
	for _, h := range snapshot {
		if r.byID[h.ID()] != h || !h.IsOpen() {
			continue
		}

		fd := h.ID()
		readable := rset.IsSet(fd)
		outOfBand := eset.IsSet(fd)
		if !readable && !outOfBand {
			continue
		}
		ready++

		if outOfBand {
			if err := h.OnOutOfBand(); err != nil {
				r.fail(h, "out-of-band", err)
				readable = false // Suppressed for this tick.
			}
		}

		if readable && r.byID[fd] == h && h.IsOpen() {
			if err := h.OnReadable(); err != nil {
				r.fail(h, "readable", err)
			}
		}

		if !h.IsOpen() {
			r.Remove(h)
		}
	}

	return ready, nil
}

// fail contains a callback error: handles that already closed themselves
// (e.g. a WebSocket connection echoing a protocol error as a Close
// frame before re-raising) just get logged; anything still open is
// aborted without a wire-level notification.
func (r *Reactor) fail(h Handle, event string, err error) {
	r.logger.Warn("reactor callback error",
		slog.Int("id", h.ID()), slog.String("event", event), slog.Any("error", err))

	if !h.IsOpen() {
		return
	}
	if a, ok := h.(aborter); ok {
		a.Abort()
	}
}
