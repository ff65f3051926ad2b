package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulTOliver/salis-v2/comm"
	"github.com/PaulTOliver/salis-v2/instset"
	"github.com/PaulTOliver/salis-v2/memory"
	"github.com/PaulTOliver/salis-v2/process"
)

func setup(order uint32) (*memory.World, *process.Table, *comm.Channel) {
	w := memory.New(order)
	return w, process.New(w), &comm.Channel{}
}

func writeInsts(t *testing.T, w *memory.World, addr uint32, insts ...instset.Inst) {
	t.Helper()
	for i, inst := range insts {
		w.SetInst(addr+uint32(i), inst)
	}
}

func TestIfNzSkipsWhenRegisterIsZero(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(10, 4)
	writeInsts(t, w, 10, instset.IFNZ, instset.MODA, instset.NOP0, instset.NOP0)
	d := pt.Mutable(pidx)
	d.Ip, d.Sp = 10, 10
	d.Rax = 0

	Step(w, pt, ch, pidx)
	assert.Equal(t, uint32(13), pt.Get(pidx).Ip)
}

func TestIfNzDoesNotSkipWhenRegisterIsNonZero(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(10, 4)
	writeInsts(t, w, 10, instset.IFNZ, instset.MODA, instset.NOP0, instset.NOP0)
	d := pt.Mutable(pidx)
	d.Ip, d.Sp = 10, 10
	d.Rax = 1

	Step(w, pt, ch, pidx)
	assert.Equal(t, uint32(12), pt.Get(pidx).Ip)
}

func TestJumpForwardTravelsOneStepPerCycleThenCommits(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(0, 4)
	// The source template run must be terminated by a non-template byte,
	// otherwise it would extend through the (zero-valued, hence NOP0)
	// rest of memory and never find a complement.
	writeInsts(t, w, 0, instset.JMPF, instset.NOP0, instset.NOP1, instset.ZERO)
	writeInsts(t, w, 20, instset.NOP1, instset.NOP0)

	cycles := 0
	for pt.Get(pidx).Ip == 0 {
		require.Equal(t, uint32(0), pt.Get(pidx).Ip, "ip must not move during travel")
		Step(w, pt, ch, pidx)
		cycles++
		require.Less(t, cycles, 64, "jump never committed")
	}
	assert.Equal(t, 21, cycles, "20 mismatched sp steps plus the commit cycle")
	assert.Equal(t, uint32(20), pt.Get(pidx).Ip)
}

func TestAddrForwardSearchSetsRegisterThenCommits(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(0, 5)
	// Template search for ADR starts one byte later than for JMP: a
	// modifier at ip+1, then the source template at ip+2.
	writeInsts(t, w, 0, instset.ADRF, instset.MODA, instset.NOP0, instset.NOP1, instset.ZERO)
	writeInsts(t, w, 20, instset.NOP1, instset.NOP0)

	for pt.Get(pidx).Sp != 20 {
		Step(w, pt, ch, pidx)
	}
	Step(w, pt, ch, pidx) // commit
	got := pt.Get(pidx)
	assert.Equal(t, uint32(20), got.Rax)
	assert.Equal(t, uint32(1), got.Ip)
}

func TestAddrBackwardSearchSetsRegisterThenCommits(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(20, 5)
	writeInsts(t, w, 20, instset.ADRB, instset.MODA, instset.NOP1, instset.NOP0, instset.ZERO)
	writeInsts(t, w, 0, instset.NOP0, instset.NOP1)

	for pt.Get(pidx).Sp != 0 {
		Step(w, pt, ch, pidx)
	}
	Step(w, pt, ch, pidx) // commit
	got := pt.Get(pidx)
	assert.Equal(t, uint32(0), got.Rax)
	assert.Equal(t, uint32(21), got.Ip)
}

func TestAllocForwardGrowsMb2ThenCommits(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(0, 8)
	writeInsts(t, w, 0, instset.MALF, instset.MODA, instset.MODB)
	d := pt.Mutable(pidx)
	d.Ip, d.Sp = 0, 8
	d.Rax = 3
	d.Rbx = 0

	for i := 0; i < 3; i++ {
		Step(w, pt, ch, pidx)
	}
	assert.Equal(t, uint32(3), pt.Get(pidx).Mb2s)
	assert.Equal(t, uint32(8), pt.Get(pidx).Mb2a)
	assert.Equal(t, uint32(0), pt.Get(pidx).Ip, "ip must not advance during travel")

	Step(w, pt, ch, pidx) // commit
	got := pt.Get(pidx)
	// Commit, like every other handler, advances ip by exactly one step;
	// the modifier bytes are never skipped over explicitly, they just get
	// walked (and no-op) as ip passes through them on later cycles.
	assert.Equal(t, uint32(1), got.Ip)
	assert.Equal(t, uint32(8), got.Rbx)
	assert.Equal(t, uint32(11), w.Allocated())
}

func TestAllocBackwardGrowsMb2ThenCommits(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(0, 8)
	writeInsts(t, w, 0, instset.MALB, instset.MODA, instset.MODB)
	d := pt.Mutable(pidx)
	d.Ip, d.Sp = 0, 40
	d.Rax = 3
	d.Rbx = 0

	for i := 0; i < 3; i++ {
		Step(w, pt, ch, pidx)
	}
	assert.Equal(t, uint32(3), pt.Get(pidx).Mb2s)
	// Unlike MALF, a backward block's anchor keeps tracking the lowest
	// address reached, not the address it started from.
	assert.Equal(t, uint32(38), pt.Get(pidx).Mb2a)
	assert.Equal(t, uint32(0), pt.Get(pidx).Ip, "ip must not advance during travel")

	Step(w, pt, ch, pidx) // commit
	got := pt.Get(pidx)
	assert.Equal(t, uint32(1), got.Ip)
	assert.Equal(t, uint32(38), got.Rbx)
	assert.Equal(t, uint32(11), w.Allocated())
}

func TestShiftLeftDispatchesThroughStep(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(0, 2)
	writeInsts(t, w, 0, instset.SHFL, instset.MODA)
	pt.Mutable(pidx).Rax = 5

	Step(w, pt, ch, pidx)
	got := pt.Get(pidx)
	assert.Equal(t, uint32(10), got.Rax)
	assert.Equal(t, uint32(1), got.Ip)
}

func TestShiftRightDispatchesThroughStep(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(0, 2)
	writeInsts(t, w, 0, instset.SHFR, instset.MODA)
	pt.Mutable(pidx).Rax = 5

	Step(w, pt, ch, pidx)
	got := pt.Get(pidx)
	assert.Equal(t, uint32(2), got.Rax)
	assert.Equal(t, uint32(1), got.Ip)
}

func TestDivisionByZeroFaults(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(0, 4)
	writeInsts(t, w, 0, instset.DIVN, instset.MODA, instset.MODB, instset.MODC)
	d := pt.Mutable(pidx)
	d.Rax, d.Rcx = 7, 0

	Step(w, pt, ch, pidx)
	got := pt.Get(pidx)
	assert.Equal(t, uint32(7), got.Rax)
	assert.Equal(t, uint32(1), got.Ip)
}

func TestArithmeticSumCommits(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(0, 4)
	writeInsts(t, w, 0, instset.SUMN, instset.MODA, instset.MODB, instset.MODC)
	d := pt.Mutable(pidx)
	d.Rbx, d.Rcx = 2, 3

	Step(w, pt, ch, pidx)
	got := pt.Get(pidx)
	assert.Equal(t, uint32(5), got.Rax)
	assert.Equal(t, uint32(1), got.Ip)
}

func TestSwapFaultsWithoutMb2(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(0, 1)
	writeInsts(t, w, 0, instset.SWAP)

	Step(w, pt, ch, pidx)
	got := pt.Get(pidx)
	assert.Equal(t, uint32(0), got.Mb1a)
	assert.Equal(t, uint32(1), got.Mb1s)
	assert.Equal(t, uint32(1), got.Ip)
}

func TestSwapExchangesBlocks(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(0, 4)
	w.SetAllocated(10)
	w.SetAllocated(11)
	d := pt.Mutable(pidx)
	d.Mb2a, d.Mb2s = 10, 2
	writeInsts(t, w, 0, instset.SWAP)

	Step(w, pt, ch, pidx)
	got := pt.Get(pidx)
	assert.Equal(t, uint32(10), got.Mb1a)
	assert.Equal(t, uint32(2), got.Mb1s)
	assert.Equal(t, uint32(0), got.Mb2a)
	assert.Equal(t, uint32(4), got.Mb2s)
}

func TestSplitBirthsChildAndClearsMb2(t *testing.T) {
	w, pt, ch := setup(8)
	parent := pt.Create(0, 4)
	w.SetAllocated(4)
	w.SetAllocated(5)
	d := pt.Mutable(parent)
	d.Mb2a, d.Mb2s = 4, 2
	writeInsts(t, w, 0, instset.SPLT)

	Step(w, pt, ch, parent)
	pd := pt.Get(parent)
	assert.Equal(t, uint32(0), pd.Mb2s)
	assert.Equal(t, uint32(2), pt.Count())

	child := pt.Get(pt.Tail())
	assert.Equal(t, uint32(4), child.Mb1a)
	assert.Equal(t, uint32(2), child.Mb1s)
	assert.Equal(t, uint32(4), child.Ip)
}

func TestLoadTravelsThenCopiesOpcode(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(0, 3)
	writeInsts(t, w, 0, instset.LOAD, instset.MODA, instset.MODB)
	w.SetInst(20, instset.UNIT)
	d := pt.Mutable(pidx)
	d.Ip, d.Sp = 0, 0
	d.Rax = 20

	for pt.Get(pidx).Sp != 20 {
		Step(w, pt, ch, pidx)
	}
	Step(w, pt, ch, pidx) // commit
	got := pt.Get(pidx)
	assert.Equal(t, uint32(instset.UNIT), got.Rbx)
	assert.Equal(t, uint32(1), got.Ip)
}

func TestWriteFaultsWhenTargetOwnedByAnotherOrganism(t *testing.T) {
	w, pt, ch := setup(8)
	pt.Create(20, 1)
	pidx := pt.Create(0, 3)
	writeInsts(t, w, 0, instset.WRTE, instset.MODA, instset.MODB)
	d := pt.Mutable(pidx)
	d.Ip, d.Sp = 0, 20
	d.Rax = 20
	d.Rbx = uint32(instset.UNIT)

	Step(w, pt, ch, pidx)
	got := pt.Get(pidx)
	assert.Equal(t, uint32(1), got.Ip)
	assert.Equal(t, instset.NOP0, w.GetInst(20))
}

func TestSendAndReceiveRoundTripThroughChannel(t *testing.T) {
	w, pt, ch := setup(8)
	var sent instset.Inst
	ch.SetSender(func(i instset.Inst) { sent = i })
	ch.SetReceiver(func() instset.Inst { return instset.SHFL })

	senderPidx := pt.Create(0, 2)
	writeInsts(t, w, 0, instset.SEND, instset.MODA)
	pt.Mutable(senderPidx).Rax = uint32(instset.SHFL)
	Step(w, pt, ch, senderPidx)
	assert.Equal(t, instset.SHFL, sent)

	receiverPidx := pt.Create(2, 2)
	writeInsts(t, w, 2, instset.RECV, instset.MODB)
	Step(w, pt, ch, receiverPidx)
	assert.Equal(t, uint32(instset.SHFL), pt.Get(receiverPidx).Rbx)
}

func TestPushAndPopRingBuffer(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(0, 2)
	writeInsts(t, w, 0, instset.PSHN, instset.MODA)
	d := pt.Mutable(pidx)
	d.Rax = 42
	Step(w, pt, ch, pidx)
	assert.Equal(t, uint32(42), pt.Get(pidx).Stack[0])

	d = pt.Mutable(pidx)
	d.Ip, d.Sp = 0, 0
	writeInsts(t, w, 0, instset.POPN, instset.MODB)
	Step(w, pt, ch, pidx)
	got := pt.Get(pidx)
	assert.Equal(t, uint32(42), got.Rbx)
	assert.Equal(t, uint32(0), got.Stack[0])
}

func TestMissingModifierFaults(t *testing.T) {
	w, pt, ch := setup(8)
	pidx := pt.Create(0, 2)
	writeInsts(t, w, 0, instset.INCN, instset.NOP0)
	Step(w, pt, ch, pidx)
	assert.Equal(t, uint32(1), pt.Get(pidx).Ip)
}
