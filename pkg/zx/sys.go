package zx

// The real syscall binding registers itself here at init time. On hosts
// without one every entry point reports ErrNotSupported, mirroring how
// unsupported targets are handled elsewhere in the tree.
var (
	sysNewPort    func() (Port, error)
	sysDefaultJob func() (Job, error)
)

// RegisterSyscalls installs the platform syscall binding. Calling it twice
// is a programming error.
func RegisterSyscalls(newPort func() (Port, error), defaultJob func() (Job, error)) {
	if sysNewPort != nil || sysDefaultJob != nil {
		panic("zx: syscall binding registered twice")
	}
	sysNewPort = newPort
	sysDefaultJob = defaultJob
}

// NewPort creates a kernel port object.
func NewPort() (Port, error) {
	if sysNewPort == nil {
		return nil, ErrNotSupported
	}
	return sysNewPort()
}

// DefaultJob returns the job under which inferiors are launched and
// searched.
func DefaultJob() (Job, error) {
	if sysDefaultJob == nil {
		return nil, ErrNotSupported
	}
	return sysDefaultJob()
}
