// Package command defines the on-the-wire command encoding shared by the
// validator, the command ring, the scheduler, and the simulated device: a
// dword-aligned header followed by an opcode-specific payload.
package command

// Opcode identifies the kind of command record on the wire.
type Opcode uint8

const (
	OpNOP Opcode = iota
	OpDraw
	OpCompute
	OpDMA
	OpFence
	OpWait
	OpRegWrite
	OpRegRead
)

func (o Opcode) String() string {
	switch o {
	case OpNOP:
		return "NOP"
	case OpDraw:
		return "DRAW"
	case OpCompute:
		return "COMPUTE"
	case OpDMA:
		return "DMA"
	case OpFence:
		return "FENCE"
	case OpWait:
		return "WAIT"
	case OpRegWrite:
		return "REG_WRITE"
	case OpRegRead:
		return "REG_READ"
	default:
		return "UNKNOWN"
	}
}

// Header is the first dword of every command record:
// (flags<<16) | (size<<8) | opcode, with size counted in dwords including
// the header itself.
type Header struct {
	Opcode Opcode
	Size   uint8
	Flags  uint16
}

// Encode packs a Header into its wire dword.
func Encode(h Header) uint32 {
	return uint32(h.Flags)<<16 | uint32(h.Size)<<8 | uint32(h.Opcode)
}

// Decode unpacks a wire dword into a Header.
func Decode(word uint32) Header {
	return Header{
		Opcode: Opcode(word & 0xFF),
		Size:   uint8((word >> 8) & 0xFF),
		Flags:  uint16(word >> 16),
	}
}

// MinDwords and MaxDwords give the per-opcode size bounds, including the
// header, enforced by the validator.
func MinDwords(op Opcode) (int, bool) {
	v, ok := sizeBounds[op]
	if !ok {
		return 0, false
	}
	return v[0], true
}

func MaxDwords(op Opcode) (int, bool) {
	v, ok := sizeBounds[op]
	if !ok {
		return 0, false
	}
	return v[1], true
}

var sizeBounds = map[Opcode][2]int{
	OpNOP:      {1, 1},
	OpDraw:     {5, 8},
	OpCompute:  {4, 8},
	OpDMA:      {4, 5},
	OpFence:    {3, 3},
	OpWait:     {2, 3},
	OpRegWrite: {3, 3},
	OpRegRead:  {3, 3},
}

// DrawRecord is {header, vertex_count, instance_count, first_vertex, first_instance}.
type DrawRecord struct {
	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32
}

// FenceRecord is {header, addr, value}.
type FenceRecord struct {
	Addr  uint32
	Value uint32
}

// DMARecord is {header, src, dst, size, flags}.
type DMARecord struct {
	Src   uint32
	Dst   uint32
	Size  uint32
	Flags uint32
}
