// Package shader provides the thin register-level accessor the lifecycle
// controller initializes between the fence engine and the scheduler: a
// write-only window onto the device's shader instruction memory through
// the SHADER_ADDR/SHADER_DATA register pair. It does not validate shader
// binaries or manage slot binding; that is the excluded shader manager's
// job (spec.md §6, External collaborators). This package only gives the
// lifecycle sequence something concrete to initialize at the point spec.md
// §4.H names "shader-instruction-memory accessor".
package shader

import (
	"github.com/fpgadrv/gpucore/internal/constants"
	"github.com/fpgadrv/gpucore/internal/regs"
)

// Window is the instruction-memory write window for one device.
type Window struct {
	bank *regs.Bank
}

// NewWindow binds a shader instruction-memory accessor to the device's
// register bank.
func NewWindow(bank *regs.Bank) *Window {
	return &Window{bank: bank}
}

// Write pushes program words into instruction memory starting at addr, one
// SHADER_ADDR/SHADER_DATA register pair write per word. The caller (the
// shader manager) is responsible for validating the binary and the slot
// it targets before calling this.
func (w *Window) Write(addr uint32, words []uint32) error {
	for i, word := range words {
		if err := w.bank.Write32(constants.RegShaderAddr, addr+uint32(i)); err != nil {
			return err
		}
		if err := w.bank.Write32(constants.RegShaderData, word); err != nil {
			return err
		}
	}
	return nil
}
