// Package evolver is the source of all randomness in the simulation: a
// 128-bit xorshift generator that drives the per-cycle "cosmic ray" memory
// mutation and the occasional register-shift mutation of a live process.
package evolver

import (
	"bufio"
	"encoding/binary"
	"math/rand"

	"github.com/PaulTOliver/salis-v2/instset"
	"github.com/PaulTOliver/salis-v2/memory"
)

// Mutator is the subset of process.Table the evolver needs to drive
// process mutation, kept as an interface so this package does not import
// process directly (and so tests can supply a fake).
type Mutator interface {
	Count() uint32
	Capacity() uint32
	IsFree(pidx uint32) bool
	Mutate(pidx uint32, r uint32)
}

// Evolver holds the xorshift-128 state plus the last cosmic-ray address and
// last mutated process, reported for diagnostics exactly as spec.md §3/§4.D
// describe.
type Evolver struct {
	state [4]uint32

	lastChangedAddress uint32
	lastChangedProcess uint32
}

// New creates an Evolver seeded from a non-deterministic source, mirroring
// the reference implementation's srand(time(NULL)) + four rand() calls.
// This is the only place in the module math/rand is used for anything other
// than test fixtures.
func New() *Evolver {
	return &Evolver{
		state: [4]uint32{
			rand.Uint32(), rand.Uint32(), rand.Uint32(), rand.Uint32(),
		},
	}
}

// LastChangedAddress returns the address of the most recent cosmic ray.
func (e *Evolver) LastChangedAddress() uint32 { return e.lastChangedAddress }

// LastChangedProcess returns the index of the most recently mutated process.
func (e *Evolver) LastChangedProcess() uint32 { return e.lastChangedProcess }

// State returns one of the four 32-bit words of internal xorshift state.
func (e *Evolver) State(i int) uint32 { return e.state[i] }

// next advances the xorshift-128 generator by one draw. The bit-for-bit
// sequence of shifts must match spec.md §4.D exactly, since save files and
// determinism tests depend on it.
func (e *Evolver) next() uint32 {
	t := e.state[3]
	t ^= t << 11
	t ^= t >> 8
	e.state[3] = e.state[2]
	e.state[2] = e.state[1]
	e.state[1] = e.state[0]
	t ^= e.state[0]
	t ^= e.state[0] >> 19
	e.state[0] = t
	return t
}

// randomizeAt overwrites address with a uniformly random opcode; this is
// the "cosmic ray".
func (e *Evolver) randomizeAt(w *memory.World, address uint32) {
	inst := instset.Inst(e.next() % instset.Count)
	e.lastChangedAddress = address
	w.SetInst(address, inst)
}

// Step performs one engine cycle's worth of evolution: exactly one cosmic
// ray draw against w, and (probabilistically, scaled by live process count)
// one register-shift mutation against a live process in procs.
func (e *Evolver) Step(w *memory.World, procs Mutator) {
	address := e.next()

	divisor := procs.Count()
	if divisor == 0 {
		divisor = 1
	}
	pidx := e.next() / divisor

	if w.IsAddressValid(address) {
		e.randomizeAt(w, address)
	}

	if pidx < procs.Capacity() && !procs.IsFree(pidx) {
		procs.Mutate(pidx, e.next())
		e.lastChangedProcess = pidx
	}
}

// Save writes the evolver's state in the binary layout from spec.md §6:
// is_init, last_changed_address, last_changed_process, state[4].
func (e *Evolver) Save(bw *bufio.Writer) error {
	for _, f := range []uint32{1, e.lastChangedAddress, e.lastChangedProcess} {
		if err := binary.Write(bw, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return binary.Write(bw, binary.LittleEndian, &e.state)
}

// Load restores an Evolver previously written by Save.
func Load(br *bufio.Reader) (*Evolver, error) {
	var isInit uint32
	if err := binary.Read(br, binary.LittleEndian, &isInit); err != nil {
		return nil, err
	}
	e := &Evolver{}
	for _, f := range []*uint32{&e.lastChangedAddress, &e.lastChangedProcess} {
		if err := binary.Read(br, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	if err := binary.Read(br, binary.LittleEndian, &e.state); err != nil {
		return nil, err
	}
	return e, nil
}
