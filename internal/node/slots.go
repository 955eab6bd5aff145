package node

import "example.com/causalq/internal/transport"

const DefaultRecvSlots = 100

// slotPool is the fixed set of receive buffers. Slots go back on the free
// list once their message has been applied.
type slotPool struct {
	slots []transport.Slot
	free  []int
}

func newSlotPool(n int) *slotPool {
	if n <= 0 {
		n = DefaultRecvSlots
	}
	p := &slotPool{slots: make([]transport.Slot, n), free: make([]int, n)}
	for i := range p.free {
		p.free[i] = n - 1 - i
	}
	return p
}

func (p *slotPool) get() (int, bool) {
	if len(p.free) == 0 {
		return -1, false
	}
	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return i, true
}

func (p *slotPool) put(i int) {
	p.slots[i] = transport.Slot{}
	p.free = append(p.free, i)
}

func (p *slotPool) available() int { return len(p.free) }
