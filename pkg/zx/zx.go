// Package zx declares the kernel debug interface this module consumes:
// process, thread, job and port handles, the signal and exception packet
// formats delivered through ports, and the status codes kernel calls fail
// with. The syscall binding that implements these interfaces lives outside
// this module; tests use the in-memory implementation in zxtest.
package zx

import "fmt"

// Koid is the kernel-assigned identifier of a kernel object, stable for the
// lifetime of the object.
type Koid uint64

// KoidInvalid is never assigned to a live object.
const KoidInvalid Koid = 0

// Status is a kernel call result. The zero value is success; every other
// value is an error and Status implements the error interface for them.
type Status int32

const (
	StatusOK           Status = 0
	ErrInternal        Status = -1
	ErrNotSupported    Status = -2
	ErrNoResources     Status = -3
	ErrNoMemory        Status = -4
	ErrInvalidArgs     Status = -10
	ErrBadHandle       Status = -11
	ErrWrongType       Status = -12
	ErrBadState        Status = -20
	ErrTimedOut        Status = -21
	ErrShouldWait      Status = -22
	ErrCanceled        Status = -23
	ErrPeerClosed      Status = -24
	ErrNotFound        Status = -25
	ErrAlreadyExists   Status = -26
	ErrAlreadyBound    Status = -27
	ErrUnavailable     Status = -28
	ErrAccessDenied    Status = -30
	ErrOutOfRange      Status = -33
	ErrBufferTooSmall  Status = -34
	ErrNoMemoryAtAddr  Status = -39
)

var statusNames = map[Status]string{
	StatusOK:          "ok",
	ErrInternal:       "internal",
	ErrNotSupported:   "not supported",
	ErrNoResources:    "no resources",
	ErrNoMemory:       "no memory",
	ErrInvalidArgs:    "invalid args",
	ErrBadHandle:      "bad handle",
	ErrWrongType:      "wrong type",
	ErrBadState:       "bad state",
	ErrTimedOut:       "timed out",
	ErrShouldWait:     "should wait",
	ErrCanceled:       "canceled",
	ErrPeerClosed:     "peer closed",
	ErrNotFound:       "not found",
	ErrAlreadyExists:  "already exists",
	ErrAlreadyBound:   "already bound",
	ErrUnavailable:    "unavailable",
	ErrAccessDenied:   "access denied",
	ErrOutOfRange:     "out of range",
	ErrBufferTooSmall: "buffer too small",
	ErrNoMemoryAtAddr: "no memory at address",
}

func (s Status) Error() string {
	if name, ok := statusNames[s]; ok {
		return "zx: " + name
	}
	return fmt.Sprintf("zx: status %d", int32(s))
}

// Signals is a bitmask of object state-change signals observable through a
// port wait.
type Signals uint32

const (
	// SignalTaskTerminated is asserted when a process or thread object
	// reaches its terminal state.
	SignalTaskTerminated Signals = 1 << 0
	// SignalThreadRunning is asserted while a thread is scheduled or
	// blocked in a syscall.
	SignalThreadRunning Signals = 1 << 1
	// SignalThreadSuspended is asserted while a thread is suspended.
	SignalThreadSuspended Signals = 1 << 2
)

// PacketType discriminates packets read from a port.
type PacketType uint32

const (
	// PacketTypeUser is a packet queued directly by userspace. The engine
	// uses these only to wake a blocked port wait.
	PacketTypeUser PacketType = iota
	// PacketTypeSignalOne is the completion of a one-shot WaitAsync.
	PacketTypeSignalOne
	// PacketTypeException carries an exception raised by a bound process.
	PacketTypeException
)

// ExcpType identifies an exception. Architectural exceptions are CPU faults;
// synthetic exceptions are kernel-generated lifecycle or policy events
// reported through the same channel.
type ExcpType uint32

const (
	ExcpGeneral              ExcpType = 0x1
	ExcpFatalPageFault       ExcpType = 0x2
	ExcpUndefinedInstruction ExcpType = 0x3
	ExcpSwBreakpoint         ExcpType = 0x4
	ExcpHwBreakpoint         ExcpType = 0x5
	ExcpUnalignedAccess      ExcpType = 0x6

	excpSyntheticFlag ExcpType = 0x8000

	ExcpThreadStarting ExcpType = excpSyntheticFlag | 0x1
	ExcpThreadExiting  ExcpType = excpSyntheticFlag | 0x2
	ExcpPolicyError    ExcpType = excpSyntheticFlag | 0x3
)

// IsSynthetic reports whether t is a kernel-generated lifecycle or policy
// exception rather than a CPU fault.
func (t ExcpType) IsSynthetic() bool { return t&excpSyntheticFlag != 0 }

// IsArchitectural reports whether t is a CPU-fault-level exception.
func (t ExcpType) IsArchitectural() bool { return !t.IsSynthetic() }

func (t ExcpType) String() string {
	switch t {
	case ExcpGeneral:
		return "general fault"
	case ExcpFatalPageFault:
		return "fatal page fault"
	case ExcpUndefinedInstruction:
		return "undefined instruction"
	case ExcpSwBreakpoint:
		return "software breakpoint"
	case ExcpHwBreakpoint:
		return "hardware breakpoint"
	case ExcpUnalignedAccess:
		return "unaligned access"
	case ExcpThreadStarting:
		return "thread starting"
	case ExcpThreadExiting:
		return "thread exiting"
	case ExcpPolicyError:
		return "policy error"
	}
	return fmt.Sprintf("exception %#x", uint32(t))
}

// ExceptionInfo is the exception payload of a port packet.
type ExceptionInfo struct {
	Type ExcpType
	PID  Koid
	TID  Koid
}

// SignalInfo is the signal payload of a port packet.
type SignalInfo struct {
	Trigger  Signals // the mask the wait was armed with
	Observed Signals // the signals asserted when the wait completed
	Count    uint64
}

// PortPacket is one notification read from a port wait.
type PortPacket struct {
	Key       uint64
	Type      PacketType
	Exception ExceptionInfo // valid when Type == PacketTypeException
	Signal    SignalInfo    // valid when Type == PacketTypeSignalOne
}

// ExceptionReport is the per-thread exception record queried while a thread
// is stopped in an exception.
type ExceptionReport struct {
	Type         ExcpType
	FaultAddress uint64
	SyndromeOrEc uint64 // architecture-specific fault detail, opaque here
}

// ThreadRunState is the live scheduler-level state of a thread, queried
// directly from the kernel. It is distinct from the engine's own thread
// state machine.
type ThreadRunState int

const (
	RunStateNew ThreadRunState = iota
	RunStateRunning
	RunStateSuspended
	RunStateBlocked
	RunStateDying
	RunStateDead
)

func (s ThreadRunState) String() string {
	switch s {
	case RunStateNew:
		return "new"
	case RunStateRunning:
		return "running"
	case RunStateSuspended:
		return "suspended"
	case RunStateBlocked:
		return "blocked"
	case RunStateDying:
		return "dying"
	case RunStateDead:
		return "dead"
	}
	return fmt.Sprintf("run state %d", int(s))
}

// ResumeTryNext asks ResumeFromException to pass the exception along to the
// next handler in the chain instead of marking it handled.
const ResumeTryNext uint32 = 1 << 1

// DebugAddrBreakOnSet is the sentinel stored in the process debug-address
// property to request a software breakpoint once the dynamic linker sets the
// real address. While the property still holds this value the address is not
// yet known.
const DebugAddrBreakOnSet uint64 = 1

// GeneralRegisters is the general-purpose register image of a stopped
// thread. Only the fields the engine manipulates are named; the rest ride
// along untouched.
type GeneralRegisters struct {
	PC    uint64
	SP    uint64
	FP    uint64
	Flags uint64
	GPR   [30]uint64
}

// Handle is the common surface of all kernel object handles.
type Handle interface {
	Koid() Koid
	// Close releases the handle. Closing an already-closed handle is an
	// error.
	Close() error
}

// SuspendToken proves ownership of one process suspension. Closing the
// token resumes the process.
type SuspendToken interface {
	Close() error
}

// Port is a kernel notification queue.
type Port interface {
	Handle
	// Queue posts a user packet.
	Queue(pkt *PortPacket) error
	// Wait blocks until a packet is available. It fails with ErrCanceled
	// or ErrBadHandle once the port is closed.
	Wait() (*PortPacket, error)
}

// Process is a debug-capable process handle.
type Process interface {
	Handle
	// Duplicate returns a second handle to the same process with the same
	// rights.
	Duplicate() (Process, error)
	Name() (string, error)

	// GetDebugAddr and SetDebugAddr access the process debug-address
	// property used for the dynamic-linker handshake.
	GetDebugAddr() (uint64, error)
	SetDebugAddr(addr uint64) error

	// ThreadKoids fills at most max child thread koids and additionally
	// reports how many existed at the time of the call, which may exceed
	// len(koids) if threads were created concurrently.
	ThreadKoids(max int) (koids []Koid, total int, err error)
	// ThreadByKoid returns a debug handle to the child thread with the
	// given koid, or ErrNotFound if no such child exists (any more).
	ThreadByKoid(koid Koid) (Thread, error)

	// ReturnCode is valid once the process has terminated.
	ReturnCode() (int64, error)
	// Suspend requests asynchronous suspension of every thread; the
	// token's Close resumes them. Observe completion via thread signals.
	Suspend() (SuspendToken, error)
	Kill() error

	ReadMemory(addr uint64, buf []byte) (int, error)
	WriteMemory(addr uint64, data []byte) (int, error)

	// BindExceptionPort routes the process's exceptions to port under key.
	BindExceptionPort(port Port, key uint64) error
	UnbindExceptionPort(port Port, key uint64) error
	// WaitAsync arms a one-shot signal wait delivered to port under key.
	WaitAsync(port Port, key uint64, signals Signals) error
}

// Thread is a debug-capable thread handle.
type Thread interface {
	Handle
	Name() (string, error)
	GetGeneralRegisters() (GeneralRegisters, error)
	SetGeneralRegisters(regs GeneralRegisters) error
	GetExceptionReport() (ExceptionReport, error)
	// RunState queries the live scheduler state.
	RunState() (ThreadRunState, error)
	// ResumeFromException resumes a thread stopped in an exception
	// delivered to port. Options is 0 or ResumeTryNext.
	ResumeFromException(port Port, options uint32) error
	WaitAsync(port Port, key uint64, signals Signals) error
}

// Job owns a tree of processes and is the scope used to find or launch
// inferiors.
type Job interface {
	Handle
	// ProcessByKoid returns a debug handle to the process with the given
	// koid anywhere under this job, or ErrNotFound.
	ProcessByKoid(koid Koid) (Process, error)
	// Launch spawns argv[0] with arguments argv[1:] under this job,
	// stopped before the first instruction, and returns its handle.
	Launch(argv []string) (Process, error)
}
