// Package arch carries the architecture constants the engine consumes:
// the software breakpoint instruction encoding and the PC adjustments
// around it, plus the trap flag used for hardware single-step.
package arch

import "github.com/vsrinivas/fuchsia-sub188/pkg/zx"

// Arch describes one CPU architecture.
type Arch interface {
	Name() string
	PtrSize() int
	BreakpointInstruction() []byte
	BreakpointSize() int
	// BreakpointInstructionAddress maps the PC reported after a software
	// breakpoint trap back to the address of the trap instruction itself.
	BreakpointInstructionAddress(pc uint64) uint64
	// NextInstructionAddress maps the PC reported after a software
	// breakpoint trap to the first instruction past the breakpoint.
	NextInstructionAddress(pc uint64) uint64
	// SetSingleStep toggles the hardware single-step trap flag in a
	// register image.
	SetSingleStep(regs *zx.GeneralRegisters, enable bool)
	// SingleStepEnabled reports whether the trap flag is set in regs.
	SingleStepEnabled(regs *zx.GeneralRegisters) bool
}

// AMD64 represents the AMD64 CPU architecture.
type AMD64 struct{}

var amd64BreakInstruction = []byte{0xCC}

// rflags trap flag
const amd64TrapFlag = 1 << 8

// AMD64Arch returns an initialized AMD64 struct.
func AMD64Arch() *AMD64 { return &AMD64{} }

func (a *AMD64) Name() string { return "amd64" }

// PtrSize returns the size of a pointer on this architecture.
func (a *AMD64) PtrSize() int { return 8 }

// BreakpointInstruction returns the breakpoint instruction for this
// architecture.
func (a *AMD64) BreakpointInstruction() []byte { return amd64BreakInstruction }

// BreakpointSize returns the size of the breakpoint instruction.
func (a *AMD64) BreakpointSize() int { return len(amd64BreakInstruction) }

// BreakpointInstructionAddress backs the PC up over the int3 that already
// executed.
func (a *AMD64) BreakpointInstructionAddress(pc uint64) uint64 {
	return pc - uint64(len(amd64BreakInstruction))
}

// NextInstructionAddress is the identity on amd64: after an int3 trap the
// PC already points past the breakpoint instruction.
func (a *AMD64) NextInstructionAddress(pc uint64) uint64 { return pc }

func (a *AMD64) SetSingleStep(regs *zx.GeneralRegisters, enable bool) {
	if enable {
		regs.Flags |= amd64TrapFlag
	} else {
		regs.Flags &^= amd64TrapFlag
	}
}

func (a *AMD64) SingleStepEnabled(regs *zx.GeneralRegisters) bool {
	return regs.Flags&amd64TrapFlag != 0
}

// ARM64 represents the ARM64 CPU architecture.
type ARM64 struct{}

// brk #0
var arm64BreakInstruction = []byte{0x00, 0x00, 0x20, 0xd4}

// The kernel surfaces the MDSCR_EL1 software step bit in the saved flags
// image.
const arm64SingleStepFlag = 1 << 21

// ARM64Arch returns an initialized ARM64 struct.
func ARM64Arch() *ARM64 { return &ARM64{} }

func (a *ARM64) Name() string { return "arm64" }

func (a *ARM64) PtrSize() int { return 8 }

func (a *ARM64) BreakpointInstruction() []byte { return arm64BreakInstruction }

func (a *ARM64) BreakpointSize() int { return len(arm64BreakInstruction) }

// BreakpointInstructionAddress is the identity on arm64: a brk trap reports
// the PC of the brk instruction itself.
func (a *ARM64) BreakpointInstructionAddress(pc uint64) uint64 { return pc }

// NextInstructionAddress advances past the brk instruction.
func (a *ARM64) NextInstructionAddress(pc uint64) uint64 {
	return pc + uint64(len(arm64BreakInstruction))
}

func (a *ARM64) SetSingleStep(regs *zx.GeneralRegisters, enable bool) {
	if enable {
		regs.Flags |= arm64SingleStepFlag
	} else {
		regs.Flags &^= arm64SingleStepFlag
	}
}

func (a *ARM64) SingleStepEnabled(regs *zx.GeneralRegisters) bool {
	return regs.Flags&arm64SingleStepFlag != 0
}
