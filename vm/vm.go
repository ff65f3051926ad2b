// Package vm is the instruction interpreter: it executes exactly one
// opcode for one organism per call, dispatching on the 32-entry
// instruction set and mutating that organism's descriptor (and, for
// MALB/MALF/WRTE/SPLT, the world and process table) in place.
//
// Every handler follows the same contract: operands that are missing,
// out of range, or otherwise invalid cause a fault, which is never
// surfaced to the caller — it just advances ip and returns. Seeker-pointer
// operations (JMPB/JMPF/ADRB/ADRF/MALB/MALF/LOAD/WRTE) are cooperative:
// sp moves at most one step per call, and ip only advances on commit or
// fault, so "travel" costs one cycle per byte of distance.
package vm

import (
	"github.com/PaulTOliver/salis-v2/comm"
	"github.com/PaulTOliver/salis-v2/instset"
	"github.com/PaulTOliver/salis-v2/log"
	"github.com/PaulTOliver/salis-v2/memory"
	"github.com/PaulTOliver/salis-v2/process"
)

// Logger is assigned by embedders that want tracing of in-simulation
// faults. Defaults to discarding everything.
var Logger log.Logger = log.Null()

// Step executes one instruction for the organism at pidx. w, pt and ch
// must all be initialized; pt.Mutable(pidx) must not panic (the caller
// is responsible for only stepping live organisms).
func Step(w *memory.World, pt *process.Table, ch *comm.Channel, pidx uint32) {
	d := pt.Mutable(pidx)
	switch inst := w.GetInst(d.Ip); inst {
	case instset.JMPB:
		if jumpSeek(w, d, false) {
			jump(d)
		}
	case instset.JMPF:
		if jumpSeek(w, d, true) {
			jump(d)
		}
	case instset.ADRB:
		if addrSeek(w, d, false) {
			addr(w, d)
		}
	case instset.ADRF:
		if addrSeek(w, d, true) {
			addr(w, d)
		}
	case instset.MALB:
		alloc(w, d, false)
	case instset.MALF:
		alloc(w, d, true)
	case instset.SWAP:
		swap(w, d)
	case instset.SPLT:
		split(w, pt, pidx)
	case instset.INCN, instset.DECN, instset.SHFL, instset.SHFR,
		instset.ZERO, instset.UNIT, instset.NOTN:
		oneRegOp(w, d, inst)
	case instset.IFNZ:
		ifNotZero(w, d)
	case instset.SUMN, instset.SUBN, instset.MULN, instset.DIVN:
		threeRegOp(w, d, inst)
	case instset.LOAD:
		load(w, d)
	case instset.WRTE:
		write(w, d)
	case instset.SEND:
		send(w, d, ch)
	case instset.RECV:
		receive(w, d, ch)
	case instset.PSHN:
		push(w, d)
	case instset.POPN:
		pop(w, d)
	default:
		// NOP0, NOP1 and the bare MODx bytes carry no behavior of their
		// own; they only matter as operands to other instructions.
		incrementIP(w, d)
	}
}

func incrementIP(w *memory.World, d *process.Descriptor) {
	if w.IsAddressValid(d.Ip + 1) {
		d.Ip++
	}
	d.Sp = d.Ip
}

func incrementSP(w *memory.World, d *process.Descriptor, forward bool) {
	if forward {
		if w.IsAddressValid(d.Sp + 1) {
			d.Sp++
		}
	} else if w.IsAddressValid(d.Sp - 1) {
		d.Sp--
	}
}

// registerPointers resolves the count register-modifier bytes following
// ip (at ip+1 .. ip+count) to pointers into d's registers. Returns
// ok=false if any of those bytes is out of range or not a modifier.
func registerPointers(w *memory.World, d *process.Descriptor, ip uint32, count int) ([]*uint32, bool) {
	regs := make([]*uint32, count)
	for i := 0; i < count; i++ {
		modAddr := ip + 1 + uint32(i)
		if !w.IsAddressValid(modAddr) {
			return nil, false
		}
		switch inst := w.GetInst(modAddr); inst {
		case instset.MODA:
			regs[i] = &d.Rax
		case instset.MODB:
			regs[i] = &d.Rbx
		case instset.MODC:
			regs[i] = &d.Rcx
		case instset.MODD:
			regs[i] = &d.Rdx
		default:
			return nil, false
		}
	}
	return regs, true
}

// areTemplatesComplements walks source for as long as it holds template
// instructions, checking that complement holds the bitwise-negated
// template at each aligned offset.
func areTemplatesComplements(w *memory.World, source, complement uint32) bool {
	for w.IsAddressValid(source) && instset.IsTemplate(w.GetInst(source)) {
		if !w.IsAddressValid(complement) {
			return false
		}
		srcInst := w.GetInst(source)
		compInst := w.GetInst(complement)
		if srcInst == instset.NOP0 && compInst != instset.NOP1 {
			return false
		}
		if srcInst == instset.NOP1 && compInst != instset.NOP0 {
			return false
		}
		source++
		complement++
	}
	return true
}

func jumpSeek(w *memory.World, d *process.Descriptor, forward bool) bool {
	nextAddr := d.Ip + 1
	if !w.IsAddressValid(nextAddr) {
		incrementIP(w, d)
		return false
	}
	if !instset.IsTemplate(w.GetInst(nextAddr)) {
		incrementIP(w, d)
		return false
	}
	if areTemplatesComplements(w, nextAddr, d.Sp) {
		return true
	}
	incrementSP(w, d, forward)
	return false
}

func jump(d *process.Descriptor) {
	d.Ip = d.Sp
}

func addrSeek(w *memory.World, d *process.Descriptor, forward bool) bool {
	next1, next2 := d.Ip+1, d.Ip+2
	if !w.IsAddressValid(next1) || !w.IsAddressValid(next2) {
		incrementIP(w, d)
		return false
	}
	if !instset.IsMod(w.GetInst(next1)) || !instset.IsTemplate(w.GetInst(next2)) {
		incrementIP(w, d)
		return false
	}
	if areTemplatesComplements(w, next2, d.Sp) {
		return true
	}
	incrementSP(w, d, forward)
	return false
}

func addr(w *memory.World, d *process.Descriptor) {
	regs, ok := registerPointers(w, d, d.Ip, 1)
	if !ok {
		incrementIP(w, d)
		return
	}
	*regs[0] = d.Sp
	incrementIP(w, d)
}

func freeChildBlock(w *memory.World, d *process.Descriptor) {
	for offset := uint32(0); offset < d.Mb2s; offset++ {
		w.ClearAllocated(d.Mb2a + offset)
	}
	d.Mb2a = 0
	d.Mb2s = 0
}

// alloc implements MALB (forward=false) / MALF (forward=true): grows mb2
// one byte per call as sp travels, committing when mb2 reaches the
// requested size.
func alloc(w *memory.World, d *process.Descriptor, forward bool) {
	regs, ok := registerPointers(w, d, d.Ip, 2)
	if !ok {
		incrementIP(w, d)
		return
	}
	blockSize := *regs[0]
	if blockSize == 0 {
		incrementIP(w, d)
		return
	}
	if d.Mb2s != 0 {
		var expAddr uint32
		if forward {
			expAddr = d.Mb2a + d.Mb2s
		} else {
			expAddr = d.Mb2a - 1
		}
		if d.Sp != expAddr {
			incrementIP(w, d)
			return
		}
	}

	if d.Mb2s == blockSize {
		incrementIP(w, d)
		*regs[1] = d.Mb2a
		return
	}

	if w.IsAllocated(d.Sp) {
		if d.Mb2s != 0 {
			freeChildBlock(w, d)
		}
		incrementSP(w, d, forward)
		return
	}

	w.SetAllocated(d.Sp)
	if d.Mb2s == 0 || !forward {
		d.Mb2a = d.Sp
	}
	d.Mb2s++
	incrementSP(w, d, forward)
}

func swap(w *memory.World, d *process.Descriptor) {
	if d.Mb2s != 0 {
		d.Mb1a, d.Mb2a = d.Mb2a, d.Mb1a
		d.Mb1s, d.Mb2s = d.Mb2s, d.Mb1s
	}
	incrementIP(w, d)
}

// split hands mb2 off to process.CreateFromOwnedBlock as a new organism.
// That call may grow the table, invalidating d, so pidx is re-resolved
// to a fresh descriptor pointer afterward rather than reusing d.
func split(w *memory.World, pt *process.Table, pidx uint32) {
	d := pt.Mutable(pidx)
	if d.Mb2s != 0 {
		address, size := d.Mb2a, d.Mb2s
		pt.CreateFromOwnedBlock(address, size, pidx)
		d = pt.Mutable(pidx)
		d.Mb2a = 0
		d.Mb2s = 0
	}
	incrementIP(w, d)
}

func oneRegOp(w *memory.World, d *process.Descriptor, inst instset.Inst) {
	regs, ok := registerPointers(w, d, d.Ip, 1)
	if !ok {
		incrementIP(w, d)
		return
	}
	reg := regs[0]
	switch inst {
	case instset.INCN:
		*reg++
	case instset.DECN:
		*reg--
	case instset.SHFL:
		*reg <<= 1
	case instset.SHFR:
		*reg >>= 1
	case instset.ZERO:
		*reg = 0
	case instset.UNIT:
		*reg = 1
	case instset.NOTN:
		if *reg == 0 {
			*reg = 1
		} else {
			*reg = 0
		}
	}
	incrementIP(w, d)
}

func ifNotZero(w *memory.World, d *process.Descriptor) {
	regs, ok := registerPointers(w, d, d.Ip, 1)
	if !ok {
		incrementIP(w, d)
		return
	}
	if *regs[0] == 0 {
		incrementIP(w, d)
	}
	incrementIP(w, d)
	incrementIP(w, d)
}

func threeRegOp(w *memory.World, d *process.Descriptor, inst instset.Inst) {
	regs, ok := registerPointers(w, d, d.Ip, 3)
	if !ok {
		incrementIP(w, d)
		return
	}
	switch inst {
	case instset.SUMN:
		*regs[0] = *regs[1] + *regs[2]
	case instset.SUBN:
		*regs[0] = *regs[1] - *regs[2]
	case instset.MULN:
		*regs[0] = *regs[1] * *regs[2]
	case instset.DIVN:
		if *regs[2] == 0 {
			Logger.Printf("vm: division by zero fault at ip=%d", d.Ip)
			incrementIP(w, d)
			return
		}
		*regs[0] = *regs[1] / *regs[2]
	}
	incrementIP(w, d)
}

func load(w *memory.World, d *process.Descriptor) {
	regs, ok := registerPointers(w, d, d.Ip, 2)
	if !ok || !w.IsAddressValid(*regs[0]) {
		incrementIP(w, d)
		return
	}
	target := *regs[0]
	switch {
	case d.Sp < target:
		incrementSP(w, d, true)
	case d.Sp > target:
		incrementSP(w, d, false)
	default:
		*regs[1] = uint32(w.GetInst(target))
		incrementIP(w, d)
	}
}

// isWriteableBy reports whether an organism may write to address: any
// unallocated address is fair game, otherwise it must lie inside one of
// the organism's own blocks.
func isWriteableBy(w *memory.World, d *process.Descriptor, address uint32) bool {
	if !w.IsAllocated(address) {
		return true
	}
	lo1, hi1 := d.Mb1a, d.Mb1a+d.Mb1s
	lo2, hi2 := d.Mb2a, d.Mb2a+d.Mb2s
	return (address >= lo1 && address < hi1) || (address >= lo2 && address < hi2)
}

func write(w *memory.World, d *process.Descriptor) {
	regs, ok := registerPointers(w, d, d.Ip, 2)
	if !ok {
		incrementIP(w, d)
		return
	}
	target, value := *regs[0], *regs[1]
	if !w.IsAddressValid(target) || !instset.IsInst(value) {
		incrementIP(w, d)
		return
	}
	switch {
	case d.Sp < target:
		incrementSP(w, d, true)
	case d.Sp > target:
		incrementSP(w, d, false)
	case isWriteableBy(w, d, target):
		w.SetInst(target, instset.Inst(value))
		incrementIP(w, d)
	default:
		Logger.Printf("vm: write fault at %d owned by another organism, ip=%d", target, d.Ip)
		incrementIP(w, d)
	}
}

func send(w *memory.World, d *process.Descriptor, ch *comm.Channel) {
	regs, ok := registerPointers(w, d, d.Ip, 1)
	if !ok || !instset.IsInst(*regs[0]) {
		incrementIP(w, d)
		return
	}
	ch.Send(instset.Inst(*regs[0]))
	incrementIP(w, d)
}

func receive(w *memory.World, d *process.Descriptor, ch *comm.Channel) {
	regs, ok := registerPointers(w, d, d.Ip, 1)
	if !ok {
		incrementIP(w, d)
		return
	}
	*regs[0] = uint32(ch.Receive())
	incrementIP(w, d)
}

func push(w *memory.World, d *process.Descriptor) {
	regs, ok := registerPointers(w, d, d.Ip, 1)
	if !ok {
		incrementIP(w, d)
		return
	}
	for i := process.StackDepth - 1; i > 0; i-- {
		d.Stack[i] = d.Stack[i-1]
	}
	d.Stack[0] = *regs[0]
	incrementIP(w, d)
}

func pop(w *memory.World, d *process.Descriptor) {
	regs, ok := registerPointers(w, d, d.Ip, 1)
	if !ok {
		incrementIP(w, d)
		return
	}
	*regs[0] = d.Stack[0]
	for i := 1; i < process.StackDepth; i++ {
		d.Stack[i-1] = d.Stack[i]
	}
	d.Stack[process.StackDepth-1] = 0
	incrementIP(w, d)
}
