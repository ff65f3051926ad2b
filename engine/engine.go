// Package engine is the driver: it owns one world, one evolver and one
// process table, and ties them together into the single simulation
// step described by spec.md §2 — evolver mutation, then interpreter
// execution in newest-to-oldest reaper order, then culling. It is the
// only package that imports vm, memory, evolver and process together.
package engine

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/PaulTOliver/salis-v2/comm"
	"github.com/PaulTOliver/salis-v2/evolver"
	"github.com/PaulTOliver/salis-v2/log"
	"github.com/PaulTOliver/salis-v2/memory"
	"github.com/PaulTOliver/salis-v2/process"
	"github.com/PaulTOliver/salis-v2/vm"
)

// DebugValidate gates the O(size) consistency pass Cycle runs before
// stepping the evolver and interpreter. It mirrors the NDEBUG-gated
// assert(module_is_valid()) calls in the reference sources: cheap to
// leave on for tests and small worlds, expensive for large ones.
var DebugValidate = false

// Logger is assigned by embedders that want tracing of init, quit and
// load. Defaults to discarding everything.
var Logger log.Logger = log.Null()

// Engine is the top-level simulation value. The zero value is valid but
// uninitialized: call Init before doing anything else with it.
type Engine struct {
	isInit bool
	cycle  uint32
	epoch  uint32

	world   *memory.World
	evo     *evolver.Evolver
	procs   *process.Table
	channel comm.Channel
}

// New returns an uninitialized Engine.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) mustBeInit() {
	if !e.isInit {
		panic("engine: not initialized")
	}
}

// Init brings up memory, then the evolver, then the process table, in
// that order (the reverse of Quit). Panics if already initialized or if
// order is out of range.
func (e *Engine) Init(order uint32) {
	if e.isInit {
		panic("engine: double init")
	}
	e.world = memory.New(order)
	e.evo = evolver.New()
	e.procs = process.New(e.world)
	e.cycle = 0
	e.epoch = 0
	e.isInit = true
	Logger.Printf("engine: initialized with order=%d", order)
}

// Quit tears down the engine, releasing its subsystems. Panics if not
// initialized.
func (e *Engine) Quit() {
	e.mustBeInit()
	*e = Engine{}
	Logger.Printf("engine: quit")
}

// IsInit reports whether Init has been called without a matching Quit.
func (e *Engine) IsInit() bool { return e.isInit }

// GetCycle returns the number of cycles run since the last init/load.
func (e *Engine) GetCycle() uint32 { e.mustBeInit(); return e.cycle }

// GetEpoch returns the number of times GetCycle has wrapped around 2^32.
func (e *Engine) GetEpoch() uint32 { e.mustBeInit(); return e.epoch }

// World exposes the underlying memory for read-only inspection (render
// helpers, debug tooling). Panics if not initialized.
func (e *Engine) World() *memory.World { e.mustBeInit(); return e.world }

// Processes exposes the underlying process table for read-only
// inspection. Panics if not initialized.
func (e *Engine) Processes() *process.Table { e.mustBeInit(); return e.procs }

// Evolver exposes the underlying evolver for read-only inspection.
// Panics if not initialized.
func (e *Engine) Evolver() *evolver.Evolver { e.mustBeInit(); return e.evo }

// SetSender installs the channel's SEND hook.
func (e *Engine) SetSender(s comm.Sender) { e.mustBeInit(); e.channel.SetSender(s) }

// SetReceiver installs the channel's RECV hook.
func (e *Engine) SetReceiver(r comm.Receiver) { e.mustBeInit(); e.channel.SetReceiver(r) }

// CreateProcess is the manual-birth API: it allocates [address,
// address+size) and instantiates a new organism there.
func (e *Engine) CreateProcess(address, size uint32) uint32 {
	e.mustBeInit()
	return e.procs.Create(address, size)
}

// Validate runs memory's and the process table's debug consistency
// passes. O(world size); intended for tests and DebugValidate, not hot
// loops over large worlds.
func (e *Engine) Validate() error {
	e.mustBeInit()
	if err := e.world.Validate(); err != nil {
		return err
	}
	if err := e.procs.Validate(); err != nil {
		return err
	}
	return nil
}

// Cycle performs one simulation step: advance the cycle/epoch counters,
// optionally validate, run the evolver once, step every live organism
// exactly once in newest-to-oldest reaper order, then cull from the head
// until allocation is back within capacity.
func (e *Engine) Cycle() {
	e.mustBeInit()
	e.cycle++
	if e.cycle == 0 {
		e.epoch++
	}

	if DebugValidate {
		if err := e.Validate(); err != nil {
			panic(fmt.Sprintf("engine: invalid state before cycle %d: %v", e.cycle, err))
		}
	}

	e.evo.Step(e.world, e.procs)
	e.stepProcesses()

	for e.world.Allocated() > e.world.Capacity() {
		e.procs.Reap()
	}
}

// stepProcesses walks the reaper queue from tail to head, executing one
// instruction per organism. No organism is visited twice; newest-born
// organisms run first.
//
// Capacity and Head are re-read on every iteration rather than cached: a
// SPLT can grow the table mid-loop (process.Table.realloc), which moves
// Head to a new index under the queue-lock algorithm. Caching either
// value, as the original reference implementation's globals never
// require, would walk the stale modulus into a slot the grown array's
// copy loop never wrote.
func (e *Engine) stepProcesses() {
	if e.procs.Count() == 0 {
		return
	}
	pidx := e.procs.Tail()

	vm.Step(e.world, e.procs, &e.channel, pidx)
	for pidx != e.procs.Head() {
		pidx = (pidx - 1 + e.procs.Capacity()) % e.procs.Capacity()
		vm.Step(e.world, e.procs, &e.channel, pidx)
	}
}

// Save writes the full engine state to path in the binary layout from
// spec.md §6: engine header, memory, evolver, processes, in that order.
// I/O and encoding failures are returned, not retried; callers should
// treat a non-nil error as fatal to the save/load attempt.
func (e *Engine) Save(path string) error {
	e.mustBeInit()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, field := range []uint32{1, e.cycle, e.epoch} {
		if err := binary.Write(bw, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	if err := e.world.Save(bw); err != nil {
		return err
	}
	if err := e.evo.Save(bw); err != nil {
		return err
	}
	if err := e.procs.Save(bw); err != nil {
		return err
	}
	return bw.Flush()
}

// Load restores an Engine previously written by Save. Panics if this
// Engine is already initialized.
func (e *Engine) Load(path string) error {
	if e.isInit {
		panic("engine: Load called on an already-initialized engine")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var isInit uint32
	if err := binary.Read(br, binary.LittleEndian, &isInit); err != nil {
		return err
	}
	for _, field := range []*uint32{&e.cycle, &e.epoch} {
		if err := binary.Read(br, binary.LittleEndian, field); err != nil {
			return err
		}
	}

	world, err := memory.Load(br)
	if err != nil {
		return err
	}
	evo, err := evolver.Load(br)
	if err != nil {
		return err
	}
	procs, err := process.Load(br, world)
	if err != nil {
		return err
	}

	e.world = world
	e.evo = evo
	e.procs = procs
	e.isInit = true
	Logger.Printf("engine: loaded from %s at cycle=%d epoch=%d", path, e.cycle, e.epoch)
	return nil
}
