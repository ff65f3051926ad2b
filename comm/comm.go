// Package comm implements the "common channel": the abstract one-byte-in,
// one-byte-out functor pair that the SEND and RECV opcodes use to let an
// organism talk to a host-supplied collaborator. The channel never blocks
// and is at-most-once; the engine never suspends waiting on it.
package comm

import (
	"fmt"

	"github.com/PaulTOliver/salis-v2/instset"
)

// Sender is called once per SEND instruction, with the opcode value taken
// from the executing organism's chosen register.
type Sender func(inst instset.Inst)

// Receiver is called once per RECV instruction and must return a valid
// opcode value.
type Receiver func() instset.Inst

// Channel holds the optional sender/receiver hooks. The zero value is a
// valid, fully disconnected channel.
type Channel struct {
	sender   Sender
	receiver Receiver
}

// SetSender installs the sender hook. Passing nil detaches it, after which
// SEND becomes a no-op.
func (c *Channel) SetSender(s Sender) { c.sender = s }

// SetReceiver installs the receiver hook. Passing nil detaches it, after
// which RECV always yields NOP0.
func (c *Channel) SetReceiver(r Receiver) { c.receiver = r }

// Send emits inst to the attached sender, if any. inst must be a valid
// opcode; callers (the vm package) are responsible for faulting before
// calling Send with anything else.
func (c *Channel) Send(inst instset.Inst) {
	if !instset.IsInst(uint32(inst)) {
		panic(fmt.Sprintf("comm: invalid instruction %d", inst))
	}
	if c.sender != nil {
		c.sender(inst)
	}
}

// Receive returns the next byte from the attached receiver, or NOP0 if no
// receiver is attached.
func (c *Channel) Receive() instset.Inst {
	if c.receiver == nil {
		return instset.NOP0
	}
	inst := c.receiver()
	if !instset.IsInst(uint32(inst)) {
		panic(fmt.Sprintf("comm: receiver returned invalid instruction %d", inst))
	}
	return inst
}
