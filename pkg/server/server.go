// Package server owns the pieces shared across attached inferiors: the job
// used to launch and search processes, the single exception port, the
// control-plane dispatcher, and the koid-to-process routing table.
package server

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vsrinivas/fuchsia-sub188/pkg/arch"
	"github.com/vsrinivas/fuchsia-sub188/pkg/dispatcher"
	"github.com/vsrinivas/fuchsia-sub188/pkg/inferior"
	"github.com/vsrinivas/fuchsia-sub188/pkg/logflags"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx"
)

// Config carries the explicit context a Server runs with.
type Config struct {
	// Job is the scope processes are launched under and searched in.
	Job zx.Job
	// Arch supplies breakpoint encodings and PC adjustments.
	Arch arch.Arch
	// Delegate receives lifecycle events for every process. Nil selects
	// the default policy.
	Delegate inferior.Delegate
	// NewPort overrides the kernel port constructor; nil selects the
	// platform one.
	NewPort func() (zx.Port, error)
	// MemoryCacheLines sizes each process's memory read cache; zero
	// means the default.
	MemoryCacheLines int
	// KillOnShutdown kills launched (not attached) inferiors on Shutdown
	// instead of detaching from them.
	KillOnShutdown bool
}

// Server routes exception-port packets to the right process and owns every
// Process object it created. Launch, Attach and all Process/Thread state
// must be used from the dispatcher; Run turns the calling goroutine into
// it.
type Server struct {
	cfg   Config
	disp  *dispatcher.Dispatcher
	eport *inferior.ExceptionPort

	processes map[zx.Koid]*inferior.Process

	log *logrus.Entry
}

// New builds a Server. Run must be called before packets flow.
func New(cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		disp:      dispatcher.New(),
		processes: make(map[zx.Koid]*inferior.Process),
		log:       logflags.ServerLogger(),
	}
	s.eport = inferior.NewExceptionPort(s.disp, cfg.NewPort, s.onExceptionPacket, s.onSignalPacket)
	return s
}

// Dispatcher returns the control-plane dispatcher, for posting work from
// other goroutines.
func (s *Server) Dispatcher() *dispatcher.Dispatcher { return s.disp }

// EPort returns the shared exception port.
func (s *Server) EPort() *inferior.ExceptionPort { return s.eport }

// Run starts the exception port worker and drains the control plane on the
// calling goroutine until Shutdown.
func (s *Server) Run() error {
	if err := s.eport.Run(); err != nil {
		return err
	}
	s.disp.Run()
	return nil
}

// Shutdown detaches every process (killing launched ones when configured
// to), quits the exception port, and stops the dispatcher. Callable from
// any goroutine except the control plane itself.
func (s *Server) Shutdown() {
	err := s.disp.PostTaskAndWait(func() {
		for koid, p := range s.processes {
			if !p.IsAttached() {
				continue
			}
			if s.cfg.KillOnShutdown && p.IsLive() {
				if err := p.Kill(); err != nil {
					s.log.Warnf("killing process %d at shutdown: %v", koid, err)
				}
			}
			if err := p.Detach(); err != nil {
				s.log.Warnf("detaching process %d at shutdown: %v", koid, err)
			}
		}
	})
	if err != nil {
		s.log.Warnf("shutdown task: %v", err)
	}
	s.eport.Quit()
	s.disp.Shutdown()
}

func (s *Server) newProcess(handle zx.Process) *inferior.Process {
	return inferior.NewProcess(inferior.ProcessConfig{
		Job:              s.cfg.Job,
		EPort:            s.eport,
		Delegate:         s.cfg.Delegate,
		Arch:             s.cfg.Arch,
		Handle:           handle,
		MemoryCacheLines: s.cfg.MemoryCacheLines,
	})
}

// Launch spawns argv under the server's job, stopped at its first
// instruction, and attaches to it.
func (s *Server) Launch(argv []string) (*inferior.Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty launch command")
	}
	if s.cfg.Job == nil {
		return nil, errors.New("no job to launch under")
	}
	handle, err := s.cfg.Job.Launch(argv)
	if err != nil {
		s.log.Errorf("launching %q: %v", argv[0], err)
		return nil, err
	}
	p := s.newProcess(handle)
	if err := p.Initialize(); err != nil {
		if kerr := handle.Kill(); kerr != nil {
			s.log.Warnf("killing half-launched process: %v", kerr)
		}
		if cerr := handle.Close(); cerr != nil {
			s.log.Warnf("closing launch handle: %v", cerr)
		}
		return nil, err
	}
	s.processes[p.ID()] = p
	s.log.Debugf("launched process %d (%s)", p.ID(), p.Name())
	return p, nil
}

// Attach attaches to the running process with the given koid under the
// server's job.
func (s *Server) Attach(koid zx.Koid) (*inferior.Process, error) {
	if existing, ok := s.processes[koid]; ok && existing.IsAttached() {
		return nil, fmt.Errorf("already attached to process %d", koid)
	}
	p := s.newProcess(nil)
	if err := p.Attach(koid); err != nil {
		return nil, err
	}
	s.processes[koid] = p
	s.log.Debugf("attached to process %d (%s)", koid, p.Name())
	return p, nil
}

// FindProcessByKoid returns the tracked process with the given koid.
func (s *Server) FindProcessByKoid(koid zx.Koid) (*inferior.Process, bool) {
	p, ok := s.processes[koid]
	return p, ok
}

// RemoveProcess drops a Gone process from the table.
func (s *Server) RemoveProcess(koid zx.Koid) {
	if p, ok := s.processes[koid]; ok {
		if p.IsAttached() {
			s.log.Warnf("removing process %d while still attached", koid)
			return
		}
		delete(s.processes, koid)
	}
}

// onExceptionPacket runs on the dispatcher. Exception packets carry the
// bind key, which is the process koid.
func (s *Server) onExceptionPacket(pkt *zx.PortPacket) {
	p, ok := s.processes[zx.Koid(pkt.Key)]
	if !ok {
		s.log.Warnf("exception packet for unknown process key %#x", pkt.Key)
		return
	}
	p.OnExceptionPacket(pkt)
}

// onSignalPacket runs on the dispatcher. The key is either a process koid
// (termination watch) or a thread koid (state-change watch).
func (s *Server) onSignalPacket(pkt *zx.PortPacket) {
	if p, ok := s.processes[zx.Koid(pkt.Key)]; ok {
		p.OnSignalPacket(pkt)
		return
	}
	for _, p := range s.processes {
		if p.HasThread(zx.Koid(pkt.Key)) {
			p.OnSignalPacket(pkt)
			return
		}
	}
	s.log.Warnf("signal packet for unknown key %#x", pkt.Key)
}
