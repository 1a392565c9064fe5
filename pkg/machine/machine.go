/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package machine is the kernel's narrow seam onto CPU/MMU mechanics:
// address spaces and hardware interrupts. These deliberately live
// outside the kernel core. This package defines the interface the core
// consumes plus a hosted simulation used by tests and lilyd.
package machine

import (
	"context"
	"sync"
)

// AddressSpace is an opaque per-automaton handle. The hosted
// implementation backs it with nothing but an identity; a real port
// would back it with a page-table root.
type AddressSpace uint64

// Machine switches the running address space and delivers hardware
// interrupts as a channel of IRQ line numbers. It has no notion of
// automata, actions, or the kernel's tables — those live in the core
// packages that consume it (core/automaton, core/scheduler and
// core/syscall).
type Machine interface {
	// NewAddressSpace allocates a fresh address space for a newly
	// created automaton.
	NewAddressSpace() AddressSpace
	// DestroyAddressSpace releases an address space's MMU resources.
	DestroyAddressSpace(AddressSpace)
	// Switch makes as the active address space. The hosted
	// implementation is a no-op bookkeeping call; a real port would
	// reload the page-table root register here.
	Switch(as AddressSpace)
	// IRQs returns the channel hardware interrupts are delivered on.
	// The scheduler's run loop selects on this channel between
	// dispatches.
	IRQs() <-chan IRQ
}

// IRQ is a single hardware interrupt line firing.
type IRQ struct {
	Line int
}

// Hosted is an in-memory Machine for tests and lilyd. It has
// no background IRQ generator of its own; callers inject IRQs with
// Fire rather than Hosted generating real hardware interrupts.
type Hosted struct {
	mu   sync.Mutex
	next AddressSpace
	live map[AddressSpace]struct{}

	irqCh chan IRQ
}

// NewHosted returns a Hosted machine whose IRQ channel has the given
// buffer depth, so Fire from a test or the kernel's heartbeat goroutine
// does not block on a scheduler that is mid-dispatch until that many
// IRQs are pending.
func NewHosted(irqBuffer int) *Hosted {
	return &Hosted{
		live:  make(map[AddressSpace]struct{}),
		irqCh: make(chan IRQ, irqBuffer),
	}
}

func (h *Hosted) NewAddressSpace() AddressSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	h.live[id] = struct{}{}
	return id
}

func (h *Hosted) DestroyAddressSpace(as AddressSpace) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, as)
}

func (h *Hosted) Switch(AddressSpace) {}

func (h *Hosted) IRQs() <-chan IRQ { return h.irqCh }

// Fire injects an interrupt on line, as a real platform's interrupt
// controller would. Blocks if the IRQ channel is full, the hosted
// stand-in for a platform that would otherwise drop or coalesce the
// interrupt.
func (h *Hosted) Fire(ctx context.Context, line int) {
	select {
	case h.irqCh <- IRQ{Line: line}:
	case <-ctx.Done():
	}
}

// Close releases the IRQ channel, used by tests to unblock a run loop
// parked in its select.
func (h *Hosted) Close() { close(h.irqCh) }
