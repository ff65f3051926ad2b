// Package process owns the process table: the array of organism descriptors
// and the circular reaper queue that orders them by age. It implements
// birth, death, capacity growth, and the debug validation pass described in
// spec.md §4.E. The interpreter (package vm) executes instructions against
// descriptors this package exposes, but never mutates reaper bookkeeping
// directly — all births and deaths go through Table's methods so the
// allocated-count and queue invariants stay consistent.
package process

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/PaulTOliver/salis-v2/log"
	"github.com/PaulTOliver/salis-v2/memory"
)

// None is the sentinel index meaning "no process", used for Head/Tail when
// Count is zero.
const None = ^uint32(0)

// StackDepth is the fixed size of a descriptor's register-stack ring.
const StackDepth = 8

// Descriptor is the fixed-shape organism record. Field order matches
// spec.md §3 exactly, since that order is what the save format, and any
// future C-struct-compatible binding, depends on.
type Descriptor struct {
	Mb1a  uint32
	Mb1s  uint32
	Mb2a  uint32
	Mb2s  uint32
	Ip    uint32
	Sp    uint32
	Rax   uint32
	Rbx   uint32
	Rcx   uint32
	Rdx   uint32
	Stack [StackDepth]uint32
}

// IsFree reports whether d represents an unoccupied reaper-queue slot.
func (d *Descriptor) IsFree() bool { return d.Mb1s == 0 }

// Table is the process table and reaper queue: a contiguous, power-of-two
// (not required, but doubled) array of descriptors, plus head/tail indices
// describing the live, contiguous, wrapping arc of occupied slots.
type Table struct {
	count    uint32
	capacity uint32
	head     uint32
	tail     uint32
	procs    []Descriptor

	world *memory.World
}

// Logger is assigned by embedders that want tracing of births/deaths/growth.
// It defaults to discarding everything.
var Logger log.Logger = log.Null()

// New creates an empty Table of initial capacity 1, bound to w for all
// allocation bookkeeping.
func New(w *memory.World) *Table {
	return &Table{
		capacity: 1,
		head:     None,
		tail:     None,
		procs:    make([]Descriptor, 1),
		world:    w,
	}
}

// Count returns the number of live descriptors.
func (t *Table) Count() uint32 { return t.count }

// Capacity returns the current size of the descriptor array.
func (t *Table) Capacity() uint32 { return t.capacity }

// Head returns the index of the oldest living process (next to be reaped),
// or None if the table is empty.
func (t *Table) Head() uint32 { return t.head }

// Tail returns the index of the youngest living process, or None if empty.
func (t *Table) Tail() uint32 { return t.tail }

func (t *Table) mustBeInRange(pidx uint32) {
	if pidx >= t.capacity {
		panic(fmt.Sprintf("process: index %d out of range (capacity %d)", pidx, t.capacity))
	}
}

// IsFree reports whether slot pidx is currently unoccupied.
func (t *Table) IsFree(pidx uint32) bool {
	t.mustBeInRange(pidx)
	return t.procs[pidx].IsFree()
}

// Get returns a copy of the descriptor at pidx. The slot may be free.
func (t *Table) Get(pidx uint32) Descriptor {
	t.mustBeInRange(pidx)
	return t.procs[pidx]
}

// Mutable returns a pointer to the live descriptor at pidx, for the vm
// package to read and write registers, pointers, and the stack directly.
// Panics if the slot is free.
func (t *Table) Mutable(pidx uint32) *Descriptor {
	t.mustBeInRange(pidx)
	if t.procs[pidx].IsFree() {
		panic(fmt.Sprintf("process: slot %d is free", pidx))
	}
	return &t.procs[pidx]
}

func blockIsFreeAndValid(w *memory.World, address, size uint32) bool {
	for offset := uint32(0); offset < size; offset++ {
		addr := offset + address
		if !w.IsAddressValid(addr) || w.IsAllocated(addr) {
			return false
		}
	}
	return true
}

func (t *Table) blockIsAllocated(address, size uint32) bool {
	for offset := uint32(0); offset < size; offset++ {
		addr := offset + address
		if !t.world.IsAddressValid(addr) || !t.world.IsAllocated(addr) {
			return false
		}
	}
	return true
}

// realloc grows the descriptor array to double its capacity, preserving the
// slot index of queueLock across the move. Organisms forward of queueLock
// (up to the old tail) are copied first, at destination indices
// queueLock, queueLock+1, ...; then organisms behind queueLock (down to the
// old head) are copied backward, wrapping modulo the new capacity.
func (t *Table) realloc(queueLock uint32) {
	if t.count != t.capacity {
		panic("process: realloc called without a full queue")
	}
	t.mustBeInRange(queueLock)

	newCapacity := t.capacity * 2
	newProcs := make([]Descriptor, newCapacity)

	fwrdIdx := queueLock
	backIdx := (queueLock - 1 + newCapacity) % newCapacity

	for {
		oldIdx := fwrdIdx % t.capacity
		newProcs[fwrdIdx] = t.procs[oldIdx]
		if oldIdx == t.tail {
			t.tail = fwrdIdx
			break
		}
		fwrdIdx++
	}

	if queueLock != t.head {
		for {
			oldIdx := backIdx % t.capacity
			newProcs[backIdx] = t.procs[oldIdx]
			if oldIdx == t.head {
				t.head = backIdx
				break
			}
			backIdx = (backIdx - 1 + newCapacity) % newCapacity
		}
	}

	t.capacity = newCapacity
	t.procs = newProcs
	Logger.Printf("process: grew reaper queue to capacity %d (queue_lock=%d)", newCapacity, queueLock)
}

func (t *Table) newSlotFromQueue(queueLock uint32) uint32 {
	if t.count == t.capacity {
		t.realloc(queueLock)
	}
	t.count++
	if t.count == 1 {
		t.head = 0
		t.tail = 0
		return 0
	}
	t.tail = (t.tail + 1) % t.capacity
	return t.tail
}

func (t *Table) create(address, size, queueLock uint32, markAllocated bool) uint32 {
	if !t.world.IsAddressValid(address) || !t.world.IsAddressValid(address+size-1) {
		panic("process: create with out-of-range block")
	}

	if markAllocated {
		if !blockIsFreeAndValid(t.world, address, size) {
			panic("process: create(markAllocated=true) over an occupied or invalid block")
		}
		for offset := uint32(0); offset < size; offset++ {
			t.world.SetAllocated(offset + address)
		}
	}

	pidx := t.newSlotFromQueue(queueLock)
	d := &t.procs[pidx]
	d.Mb1a = address
	d.Mb1s = size
	d.Ip = address
	d.Sp = address
	Logger.Printf("process: born pidx=%d address=%d size=%d", pidx, address, size)
	return pidx
}

// Create is the manual birth API (spec.md §4.E "Birth"): allocates
// [address, address+size) and instantiates a new descriptor there. Panics
// if the block is not entirely free and in range.
func (t *Table) Create(address, size uint32) uint32 {
	if !blockIsFreeAndValid(t.world, address, size) {
		panic("process: Create over an occupied or invalid block")
	}
	return t.create(address, size, 0, true)
}

// CreateFromOwnedBlock is the reproduction-path birth used by SPLT: the
// caller (vm) guarantees [address, address+size) is already allocated and
// owned by the splitting organism's mb2. queueLock is that organism's own
// index, so it survives any capacity growth this birth triggers.
func (t *Table) CreateFromOwnedBlock(address, size, queueLock uint32) uint32 {
	return t.create(address, size, queueLock, false)
}

func (t *Table) freeMemoryBlock(address, size uint32) {
	for offset := uint32(0); offset < size; offset++ {
		t.world.ClearAllocated(offset + address)
	}
}

func (t *Table) freeMemoryOwnedBy(pidx uint32) {
	d := &t.procs[pidx]
	t.freeMemoryBlock(d.Mb1a, d.Mb1s)
	if d.Mb2s != 0 {
		t.freeMemoryBlock(d.Mb2a, d.Mb2s)
	}
}

// Reap kills the oldest living process (at Head), freeing its memory blocks
// and advancing Head. Panics if the table is empty.
func (t *Table) Reap() {
	if t.count == 0 {
		panic("process: Reap called on empty table")
	}
	t.freeMemoryOwnedBy(t.head)
	t.procs[t.head] = Descriptor{}
	t.count--
	Logger.Printf("process: reaped pidx=%d", t.head)

	if t.count == 0 {
		t.head = None
		t.tail = None
	} else {
		t.head = (t.head + 1) % t.capacity
	}
}

// Mutate performs the evolver's register-shift mutation on a live process:
// Rax is bit-rotated right by r mod 32. Only the descriptor is touched;
// memory is never affected by this mutation. Panics if pidx is free.
func (t *Table) Mutate(pidx uint32, r uint32) {
	d := t.Mutable(pidx)
	d.Rax = bits.RotateLeft32(d.Rax, -int(r%32))
	Logger.Printf("process: mutated pidx=%d r=%d", pidx, r)
}

// Validate runs the debug-only consistency pass from spec.md §4.E: every
// live descriptor's ip/sp/blocks must be in range and allocated, and the
// sum of live block sizes must equal the world's allocated count.
func (t *Table) Validate() error {
	var allocSum uint32
	for pidx := uint32(0); pidx < t.capacity; pidx++ {
		d := &t.procs[pidx]
		if d.IsFree() {
			if *d != (Descriptor{}) {
				return fmt.Errorf("process: free slot %d is not zeroed", pidx)
			}
			continue
		}
		if !t.world.IsAddressValid(d.Ip) {
			return fmt.Errorf("process: pidx %d has invalid ip %d", pidx, d.Ip)
		}
		if !t.world.IsAddressValid(d.Sp) {
			return fmt.Errorf("process: pidx %d has invalid sp %d", pidx, d.Sp)
		}
		if !t.blockIsAllocated(d.Mb1a, d.Mb1s) {
			return fmt.Errorf("process: pidx %d mb1 not fully allocated", pidx)
		}
		if d.Mb2s != 0 {
			if !t.blockIsAllocated(d.Mb2a, d.Mb2s) {
				return fmt.Errorf("process: pidx %d mb2 not fully allocated", pidx)
			}
			if d.Mb1a == d.Mb2a {
				return fmt.Errorf("process: pidx %d has mb1a == mb2a", pidx)
			}
		}
		allocSum += d.Mb1s + d.Mb2s
	}
	if allocSum != t.world.Allocated() {
		return fmt.Errorf("process: live blocks sum to %d, world says %d allocated", allocSum, t.world.Allocated())
	}
	return nil
}

// Save writes the table's state in the binary layout from spec.md §6:
// is_init, count, capacity, head, tail, procs[capacity].
func (t *Table) Save(bw *bufio.Writer) error {
	for _, f := range []uint32{1, t.count, t.capacity, t.head, t.tail} {
		if err := binary.Write(bw, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	for i := range t.procs {
		if err := binary.Write(bw, binary.LittleEndian, &t.procs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Load restores a Table previously written by Save, binding it to w.
func Load(br *bufio.Reader, w *memory.World) (*Table, error) {
	var isInit uint32
	if err := binary.Read(br, binary.LittleEndian, &isInit); err != nil {
		return nil, err
	}
	t := &Table{world: w}
	for _, f := range []*uint32{&t.count, &t.capacity, &t.head, &t.tail} {
		if err := binary.Read(br, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	t.procs = make([]Descriptor, t.capacity)
	for i := range t.procs {
		if err := binary.Read(br, binary.LittleEndian, &t.procs[i]); err != nil {
			return nil, err
		}
	}
	return t, nil
}
