// Package dispatcher provides the control-plane task queue. All process and
// thread state in this module is mutated only by closures drained on a
// single goroutine, so the state machines never need locking; the exception
// port worker hands packets across by posting tasks here.
package dispatcher

import (
	"errors"
	"sync"

	"go.uber.org/atomic"
)

// ErrShutdown is returned by PostTask after Shutdown has been called.
var ErrShutdown = errors.New("dispatcher: shut down")

// Dispatcher is a mailbox of closures drained by Run.
type Dispatcher struct {
	tasks    chan func()
	quit     chan struct{}
	quitOnce sync.Once
	stopped  *atomic.Bool
}

// New returns a Dispatcher ready to accept tasks. Run must be called for
// them to execute.
func New() *Dispatcher {
	return &Dispatcher{
		tasks:   make(chan func(), 128),
		quit:    make(chan struct{}),
		stopped: atomic.NewBool(false),
	}
}

// PostTask enqueues fn to run on the dispatch goroutine. It never runs fn
// inline.
func (d *Dispatcher) PostTask(fn func()) error {
	if d.stopped.Load() {
		return ErrShutdown
	}
	select {
	case d.tasks <- fn:
		return nil
	case <-d.quit:
		return ErrShutdown
	}
}

// PostTaskAndWait enqueues fn and blocks until it has run.
func (d *Dispatcher) PostTaskAndWait(fn func()) error {
	done := make(chan struct{})
	err := d.PostTask(func() {
		defer close(done)
		fn()
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Run drains tasks on the calling goroutine until Shutdown. The calling
// goroutine becomes the control plane.
func (d *Dispatcher) Run() {
	for {
		select {
		case fn := <-d.tasks:
			fn()
		case <-d.quit:
			// Drain what was already queued so posted work is not
			// silently dropped.
			for {
				select {
				case fn := <-d.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Shutdown stops Run after the queue drains. Safe to call more than once
// and from any goroutine.
func (d *Dispatcher) Shutdown() {
	d.stopped.Store(true)
	d.quitOnce.Do(func() { close(d.quit) })
}
