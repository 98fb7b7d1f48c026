// Package validator walks a dword-aligned command stream before it is
// copied into a ring, rejecting malformed records and rewriting privileged
// opcodes down to NOPs for unprivileged submitters. It operates on a
// caller-owned copy, so a rejected stream never touches the ring.
package validator

import (
	"fmt"

	"github.com/fpgadrv/gpucore/internal/command"
)

// Kind enumerates the ways a command stream can fail validation.
type Kind int

const (
	KindNone Kind = iota
	KindUnknownOpcode
	KindSizeOutOfBounds
	KindTruncated
	KindFieldOutOfRange
	KindUnaligned
)

// Error describes a single validation failure, including where in the
// stream it occurred.
type Error struct {
	Kind     Kind
	Opcode   command.Opcode
	DwordOff int
	Msg      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validator: %s at dword %d (%s): %s", e.Opcode, e.DwordOff, kindString(e.Kind), e.Msg)
}

func kindString(k Kind) string {
	switch k {
	case KindUnknownOpcode:
		return "unknown opcode"
	case KindSizeOutOfBounds:
		return "size out of bounds"
	case KindTruncated:
		return "truncated"
	case KindFieldOutOfRange:
		return "field out of range"
	case KindUnaligned:
		return "unaligned"
	default:
		return "none"
	}
}

func newErr(kind Kind, op command.Opcode, off int, msg string) *Error {
	return &Error{Kind: kind, Opcode: op, DwordOff: off, Msg: msg}
}

const (
	maxVertexCount = 65536
	maxDMABytes    = 16 * 1024 * 1024
)

// Validate walks dwords record by record, checking header size bounds and
// per-opcode field rules. REG_WRITE and REG_READ are rewritten to NOP in
// place (preserving their declared size, so later record offsets don't
// shift) unless privileged is true. Returns a new slice; the input is never
// mutated.
func Validate(dwords []uint32, privileged bool) ([]uint32, error) {
	out := make([]uint32, len(dwords))
	copy(out, dwords)

	i := 0
	for i < len(out) {
		hdr := command.Decode(out[i])

		minS, ok := command.MinDwords(hdr.Opcode)
		if !ok {
			return nil, newErr(KindUnknownOpcode, hdr.Opcode, i, "opcode has no registered size bounds")
		}
		maxS, _ := command.MaxDwords(hdr.Opcode)

		size := int(hdr.Size)
		if size < minS || size > maxS {
			return nil, newErr(KindSizeOutOfBounds, hdr.Opcode, i, fmt.Sprintf("declared size %d outside [%d, %d]", size, minS, maxS))
		}
		if i+size > len(out) {
			return nil, newErr(KindTruncated, hdr.Opcode, i, "declared size exceeds remaining payload")
		}

		if err := validateFields(out, i, size, hdr.Opcode); err != nil {
			return nil, err
		}

		if (hdr.Opcode == command.OpRegWrite || hdr.Opcode == command.OpRegRead) && !privileged {
			rewriteToNOP(out, i, size, hdr)
		}

		i += size
	}
	return out, nil
}

func validateFields(dwords []uint32, off, size int, op command.Opcode) error {
	switch op {
	case command.OpDraw:
		vertexCount := dwords[off+1]
		instanceCount := dwords[off+2]
		firstVertex := dwords[off+3]
		if vertexCount < 1 || vertexCount > maxVertexCount {
			return newErr(KindFieldOutOfRange, op, off, fmt.Sprintf("vertex_count %d outside [1, %d]", vertexCount, maxVertexCount))
		}
		if instanceCount < 1 {
			return newErr(KindFieldOutOfRange, op, off, "instance_count must be >= 1")
		}
		if firstVertex == 0 {
			return newErr(KindFieldOutOfRange, op, off, "vertex-base must be non-zero")
		}
	case command.OpDMA:
		src := dwords[off+1]
		dst := dwords[off+2]
		sz := dwords[off+3]
		if sz < 1 || sz > maxDMABytes {
			return newErr(KindFieldOutOfRange, op, off, fmt.Sprintf("size %d outside [1, %d]", sz, maxDMABytes))
		}
		if src%4 != 0 || dst%4 != 0 || sz%4 != 0 {
			return newErr(KindUnaligned, op, off, "src, dst, and size must be 4-byte aligned")
		}
	case command.OpFence:
		addr := dwords[off+1]
		if addr%4 != 0 {
			return newErr(KindUnaligned, op, off, "fence address must be 4-byte aligned")
		}
	}
	return nil
}

// rewriteToNOP replaces a privileged record in place with a NOP header that
// preserves the original declared size, then zeros the remaining dwords so
// no stale register payload survives in the copy handed to the ring.
func rewriteToNOP(dwords []uint32, off, size int, hdr command.Header) {
	dwords[off] = command.Encode(command.Header{Opcode: command.OpNOP, Size: hdr.Size, Flags: hdr.Flags})
	for k := 1; k < size; k++ {
		dwords[off+k] = 0
	}
}
