// Package memory owns the simulation's flat byte-addressed world. Each byte
// simultaneously encodes a 5-bit instruction opcode and a 1-bit allocation
// flag; this package is the sole owner of that array and of the running
// per-opcode histogram and allocation count derived from it.
package memory

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/PaulTOliver/salis-v2/instset"
)

// AllocatedFlag is the bit within a cell that marks it as owned by a process.
const AllocatedFlag = 0x20

// InstructionMask isolates the 5 low bits that hold the opcode.
const InstructionMask = 0x1f

// World is the flat byte array backing the simulation, plus the derived
// counters the rest of the engine relies on to stay O(1) on common queries.
type World struct {
	order     uint32
	size      uint32
	allocated uint32
	capacity  uint32
	histogram [instset.Count]uint32
	bytes     []byte
}

// New creates a World of the given order. Size is 1<<order; capacity, the
// point at which the reaper starts culling, is half of size.
func New(order uint32) *World {
	if order >= 32 {
		panic(fmt.Sprintf("memory: invalid order %d (must be < 32)", order))
	}
	size := uint32(1) << order
	w := &World{
		order:    order,
		size:     size,
		capacity: size / 2,
		bytes:    make([]byte, size),
	}
	w.histogram[instset.NOP0] = size
	return w
}

// Order returns the order this world was created with.
func (w *World) Order() uint32 { return w.order }

// Size returns the size of the world in bytes (1<<order).
func (w *World) Size() uint32 { return w.size }

// Allocated returns the number of cells currently flagged as allocated.
func (w *World) Allocated() uint32 { return w.allocated }

// Capacity returns the allocation threshold above which the reaper culls.
func (w *World) Capacity() uint32 { return w.capacity }

// IsOverCapacity reports whether memory is filled above 50%.
func (w *World) IsOverCapacity() bool {
	return w.allocated > w.capacity
}

// InstCount returns how many cells currently hold the given opcode.
func (w *World) InstCount(inst instset.Inst) uint32 {
	w.mustBeInst(inst)
	return w.histogram[inst]
}

func (w *World) mustBeInst(inst instset.Inst) {
	if !instset.IsInst(uint32(inst)) {
		panic(fmt.Sprintf("memory: invalid instruction %d", inst))
	}
}

// IsAddressValid reports whether address lies within the world.
func (w *World) IsAddressValid(address uint32) bool {
	return address < w.size
}

func (w *World) mustBeValid(address uint32) {
	if !w.IsAddressValid(address) {
		panic(fmt.Sprintf("memory: invalid address %d (size %d)", address, w.size))
	}
}

// IsAllocated reports whether the cell at address carries the allocated flag.
func (w *World) IsAllocated(address uint32) bool {
	w.mustBeValid(address)
	return w.bytes[address]&AllocatedFlag != 0
}

// SetAllocated sets the allocated flag at address, maintaining the count.
func (w *World) SetAllocated(address uint32) {
	w.mustBeValid(address)
	if !w.IsAllocated(address) {
		w.bytes[address] ^= AllocatedFlag
		w.allocated++
	}
}

// ClearAllocated clears the allocated flag at address, maintaining the count.
func (w *World) ClearAllocated(address uint32) {
	w.mustBeValid(address)
	if w.IsAllocated(address) {
		w.bytes[address] ^= AllocatedFlag
		w.allocated--
	}
}

// GetInst returns the opcode currently stored at address.
func (w *World) GetInst(address uint32) instset.Inst {
	w.mustBeValid(address)
	return instset.Inst(w.bytes[address] & InstructionMask)
}

// SetInst writes inst at address, atomically maintaining the histogram by
// decrementing the old opcode's count and incrementing the new one's.
func (w *World) SetInst(address uint32, inst instset.Inst) {
	w.mustBeValid(address)
	w.mustBeInst(inst)
	w.histogram[w.GetInst(address)]--
	w.bytes[address] &^= InstructionMask
	w.bytes[address] |= byte(inst)
	w.histogram[inst]++
}

// GetByte returns the raw byte at address, flag bits included.
func (w *World) GetByte(address uint32) byte {
	w.mustBeValid(address)
	return w.bytes[address]
}

// histogramSum is a debug helper returning Σ histogram; Validate checks it
// against size.
func (w *World) histogramSum() uint32 {
	var sum uint32
	for _, c := range w.histogram {
		sum += c
	}
	return sum
}

// Validate checks the module's internal consistency: the histogram must sum
// to size, and a direct scan for the allocated flag must match Allocated().
// This is the debug-only pass spec.md §4.B calls for; callers gate it behind
// their own debug flag since it is O(size).
func (w *World) Validate() error {
	if sum := w.histogramSum(); sum != w.size {
		return fmt.Errorf("memory: histogram sums to %d, want %d", sum, w.size)
	}
	var allocated uint32
	for addr := uint32(0); addr < w.size; addr++ {
		if w.IsAllocated(addr) {
			allocated++
		}
	}
	if allocated != w.allocated {
		return fmt.Errorf("memory: scanned %d allocated cells, counter says %d", allocated, w.allocated)
	}
	return nil
}

// Save writes the module's state in the binary layout from spec.md §6:
// is_init, order, size, allocated, capacity, inst_histogram[32], bytes[size].
func (w *World) Save(bw *bufio.Writer) error {
	fields := []interface{}{
		uint32(1), w.order, w.size, w.allocated, w.capacity,
	}
	for _, f := range fields {
		if err := binary.Write(bw, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	for _, c := range w.histogram {
		if err := binary.Write(bw, binary.LittleEndian, c); err != nil {
			return err
		}
	}
	_, err := bw.Write(w.bytes)
	return err
}

// Load restores a World previously written by Save.
func Load(br *bufio.Reader) (*World, error) {
	var isInit uint32
	if err := binary.Read(br, binary.LittleEndian, &isInit); err != nil {
		return nil, err
	}
	w := &World{}
	for _, f := range []*uint32{&w.order, &w.size, &w.allocated, &w.capacity} {
		if err := binary.Read(br, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	for i := range w.histogram {
		if err := binary.Read(br, binary.LittleEndian, &w.histogram[i]); err != nil {
			return nil, err
		}
	}
	w.bytes = make([]byte, w.size)
	if _, err := io.ReadFull(br, w.bytes); err != nil {
		return nil, err
	}
	return w, nil
}
