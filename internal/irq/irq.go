// Package irq models shared interrupt lines. A device raises or lowers a
// line; every handler registered on the line is asked whether the
// interrupt was its own.
package irq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrBusy is returned when a device registers twice on the same line.
var ErrBusy = errors.New("irq: handler already registered")

// maxRedeliver bounds how often one assertion is redelivered while the
// line stays high.
const maxRedeliver = 64

// Result is what a handler reports for one invocation.
type Result uint8

const (
	// None means the handler's device did not raise the interrupt.
	None Result = iota
	// Handled means the handler serviced its device.
	Handled
)

func (r Result) String() string {
	if r == Handled {
		return "handled"
	}
	return "none"
}

// Handler services one device on a shared line.
type Handler func() Result

type registration struct {
	name    string
	dev     any
	handler Handler
}

// LineSet hands out interrupt lines by number.
type LineSet struct {
	mu    sync.Mutex
	lines map[uint8]*Line
}

// NewLineSet returns an empty set.
func NewLineSet() *LineSet {
	return &LineSet{lines: make(map[uint8]*Line)}
}

// AllocateLine returns the line with the given number, creating it on
// first use.
func (s *LineSet) AllocateLine(num uint8) *Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lines[num]
	if !ok {
		l = &Line{num: num, kick: make(chan struct{}, 1)}
		s.lines[num] = l
	}
	return l
}

// Line is one shared, level-triggered interrupt line.
type Line struct {
	num  uint8
	kick chan struct{}

	mu        sync.Mutex
	level     bool
	handlers  []registration
	fired     uint64
	unhandled uint64
}

// Num is the line number.
func (l *Line) Num() uint8 { return l.num }

// Request registers h for dev.
func (l *Line) Request(name string, dev any, h Handler) error {
	if h == nil {
		return fmt.Errorf("irq %d: nil handler for %s", l.num, name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.handlers {
		if r.dev == dev {
			return fmt.Errorf("irq %d: %s: %w", l.num, name, ErrBusy)
		}
	}
	l.handlers = append(l.handlers, registration{name: name, dev: dev, handler: h})
	return nil
}

// Free unregisters dev's handler.
func (l *Line) Free(dev any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.handlers {
		if r.dev == dev {
			l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
			return
		}
	}
}

// Handlers is the number of registered handlers.
func (l *Line) Handlers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

// SetLevel drives the line. A rising edge schedules delivery on the
// goroutine running Run; the device never calls handlers directly, so a
// device raising the line from inside a register access made under a
// handler's lock cannot deadlock.
func (l *Line) SetLevel(high bool) {
	l.mu.Lock()
	rising := high && !l.level
	l.level = high
	l.mu.Unlock()
	if rising {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}

// Level reports whether the line is asserted.
func (l *Line) Level() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Fire invokes every handler once and reports Handled if any of them
// did.
func (l *Line) Fire() Result {
	l.mu.Lock()
	handlers := append([]registration(nil), l.handlers...)
	l.fired++
	l.mu.Unlock()

	res := None
	for _, r := range handlers {
		if r.handler() == Handled {
			res = Handled
		}
	}
	if res == None {
		l.mu.Lock()
		l.unhandled++
		l.mu.Unlock()
	}
	return res
}

// Stats reports how often the line fired and how often nobody claimed it.
func (l *Line) Stats() (fired, unhandled uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired, l.unhandled
}

// Run delivers assertions until ctx is done. While the line stays high
// after a handled delivery it is delivered again. After maxRedeliver
// rounds a still-high line is queued behind ctx so Run stays cancellable.
func (l *Line) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.kick:
		}
		i := 0
		for ; i < maxRedeliver && l.Level(); i++ {
			if l.Fire() == None {
				slog.Debug("interrupt not claimed", "irq", l.num)
				break
			}
		}
		if i == maxRedeliver && l.Level() {
			select {
			case l.kick <- struct{}{}:
			default:
			}
		}
	}
}
