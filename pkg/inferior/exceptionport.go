package inferior

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/vsrinivas/fuchsia-sub188/pkg/dispatcher"
	"github.com/vsrinivas/fuchsia-sub188/pkg/logflags"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx"
)

// keyQuit marks the internal wake packet used by Quit. Processes are bound
// under their koid and koids are never zero, so the key cannot collide.
const keyQuit uint64 = 0

// ErrPortNotRunning is returned by Bind before Run or after Quit.
var ErrPortNotRunning = errors.New("exception port is not running")

// PacketHandler consumes one port packet on the control-plane dispatcher.
type PacketHandler func(pkt *zx.PortPacket)

// ExceptionPort owns one kernel port object and one worker goroutine that
// blocks on it. Exception and signal packets are never handled on the
// worker: they are posted to the control-plane dispatcher, so process and
// thread state stays effectively single-threaded.
type ExceptionPort struct {
	disp    *dispatcher.Dispatcher
	newPort func() (zx.Port, error)

	// mu serializes Run and Quit; overlapping shutdown paths may call Quit
	// from different goroutines.
	mu          sync.Mutex
	port        zx.Port
	keepRunning *atomic.Bool
	stopped     chan struct{}

	onException PacketHandler
	onSignal    PacketHandler

	log *logrus.Entry
}

// NewExceptionPort returns an ExceptionPort delivering packets to the given
// handlers via disp. newPort may be nil, in which case the platform port
// constructor is used.
func NewExceptionPort(disp *dispatcher.Dispatcher, newPort func() (zx.Port, error), onException, onSignal PacketHandler) *ExceptionPort {
	if newPort == nil {
		newPort = zx.NewPort
	}
	return &ExceptionPort{
		disp:        disp,
		newPort:     newPort,
		keepRunning: atomic.NewBool(false),
		onException: onException,
		onSignal:    onSignal,
		log:         logflags.EPortLogger(),
	}
}

// Run creates the port object and starts the worker. Calling Run again
// without an intervening Quit is a caller error.
func (e *ExceptionPort) Run() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.port != nil {
		return errors.New("exception port is already running")
	}
	port, err := e.newPort()
	if err != nil {
		e.log.Errorf("creating port: %v", err)
		return err
	}
	e.port = port
	e.keepRunning.Store(true)
	e.stopped = make(chan struct{})
	go e.worker()
	return nil
}

// Quit wakes the worker, joins it, and releases the port object. Safe to
// call repeatedly and from any goroutine; once the port is down, later calls
// are no-ops.
func (e *ExceptionPort) Quit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.port == nil {
		return
	}
	e.keepRunning.Store(false)
	if err := e.port.Queue(&zx.PortPacket{Key: keyQuit, Type: zx.PacketTypeUser}); err != nil {
		// The worker may already have stopped on a fatal wait error, in
		// which case there is nobody left to wake.
		e.log.Warnf("queueing quit packet: %v", err)
	}
	<-e.stopped
	if err := e.port.Close(); err != nil {
		e.log.Warnf("closing port: %v", err)
	}
	e.port = nil
}

// Bind routes proc's exceptions to the port under key and arms a one-shot
// wait for the process-terminated signal under the same key. On partial
// failure the exception bind is reverted before returning.
func (e *ExceptionPort) Bind(proc zx.Process, key uint64) error {
	if e.port == nil {
		return ErrPortNotRunning
	}
	if err := proc.BindExceptionPort(e.port, key); err != nil {
		e.log.Errorf("binding process %d: %v", proc.Koid(), err)
		return err
	}
	if err := proc.WaitAsync(e.port, key, zx.SignalTaskTerminated); err != nil {
		e.log.Errorf("arming termination wait for process %d: %v", proc.Koid(), err)
		if uerr := proc.UnbindExceptionPort(e.port, key); uerr != nil {
			e.log.Warnf("unbinding after failed wait: %v", uerr)
		}
		return err
	}
	return nil
}

// Unbind reverses Bind.
func (e *ExceptionPort) Unbind(proc zx.Process, key uint64) error {
	if e.port == nil {
		return ErrPortNotRunning
	}
	return proc.UnbindExceptionPort(e.port, key)
}

// WaitAsync arms a one-shot signal wait for t, keyed by t's koid, with the
// trigger mask chosen by t's current state: a running or stepping thread is
// watched for suspension, a suspended one for resumption, an exiting one
// for termination only. No-op once the thread is gone.
func (e *ExceptionPort) WaitAsync(t *Thread) {
	if t.state == ThreadGone || t.handle == nil {
		return
	}
	var sigs zx.Signals
	switch t.state {
	case ThreadSuspended:
		sigs = zx.SignalThreadRunning | zx.SignalTaskTerminated
	case ThreadExiting:
		sigs = zx.SignalTaskTerminated
	default:
		sigs = zx.SignalThreadSuspended | zx.SignalTaskTerminated
	}
	if err := t.handle.WaitAsync(e.port, uint64(t.id), sigs); err != nil {
		e.log.Warnf("arming signal wait for thread %d: %v", t.id, err)
	}
}

func (e *ExceptionPort) worker() {
	defer close(e.stopped)
	for {
		pkt, err := e.port.Wait()
		if err != nil {
			e.log.Errorf("port wait failed, exception port loop stopping: %v", err)
			return
		}
		switch pkt.Type {
		case zx.PacketTypeUser:
			if !e.keepRunning.Load() {
				e.log.Debug("exception port loop quitting")
				return
			}
			// Stray user packets are ignored.
		case zx.PacketTypeException:
			e.post(e.onException, pkt)
		case zx.PacketTypeSignalOne:
			e.post(e.onSignal, pkt)
		default:
			e.log.Warnf("unexpected packet type %d (key %#x)", pkt.Type, pkt.Key)
		}
	}
}

func (e *ExceptionPort) post(handler PacketHandler, pkt *zx.PortPacket) {
	if handler == nil {
		return
	}
	if err := e.disp.PostTask(func() { handler(pkt) }); err != nil {
		e.log.Warnf("dropping packet (key %#x): %v", pkt.Key, err)
	}
}
