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

// Package sysevents implements the subscription half of the
// `destroyed` and `irq` system_input sources. `init` is not modeled
// here — it fires exactly once at birth and is wired directly by
// core/syscall against the newborn automaton's own catalog, with no
// subscriber bookkeeping to speak of.
package sysevents

import (
	"context"
	"sync"

	"github.com/containerd/log"
	"github.com/jrwilson/lily/core/errno"

	"github.com/google/uuid"
)

// Delivery is one system_input to enqueue: ano/param on the scheduler's
// standard (bda, bdb) are always empty.
type Delivery struct {
	AID   int32
	ANO   int32
	Param int32
}

type destroyedEntry struct {
	ano, param int32
}

type irqEntry struct {
	ano, param int32
}

// Registry is the kernel's singleton subscription table for
// `destroyed` and `irq` system inputs.
type Registry struct {
	mu sync.Mutex

	// destroyed[target][subscriber] = entry
	destroyed map[int32]map[int32]destroyedEntry
	// subscribedTo[subscriber] = set of targets, for O(1) cleanup on death.
	subscribedTo map[int32]map[int32]struct{}

	// irq[line][subscriber] = entry
	irq map[int]map[int32]irqEntry
	// irqSubscribedTo[subscriber] = set of lines.
	irqSubscribedTo map[int32]map[int]struct{}

	bootSession uuid.UUID
}

// New returns an empty Registry tagged with a fresh boot-session
// correlation id, attached to every log line this package emits so a
// multi-boot test run's log output stays attributable.
func New() *Registry {
	return &Registry{
		destroyed:       make(map[int32]map[int32]destroyedEntry),
		subscribedTo:    make(map[int32]map[int32]struct{}),
		irq:             make(map[int]map[int32]irqEntry),
		irqSubscribedTo: make(map[int32]map[int]struct{}),
		bootSession:     uuid.New(),
	}
}

// SubscribeDestroyed registers subscriberAID to receive ano/param when
// targetAID is destroyed.
func (r *Registry) SubscribeDestroyed(subscriberAID, targetAID, ano, param int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.destroyed[targetAID]; !ok {
		r.destroyed[targetAID] = make(map[int32]destroyedEntry)
	}
	r.destroyed[targetAID][subscriberAID] = destroyedEntry{ano: ano, param: param}
	if _, ok := r.subscribedTo[subscriberAID]; !ok {
		r.subscribedTo[subscriberAID] = make(map[int32]struct{})
	}
	r.subscribedTo[subscriberAID][targetAID] = struct{}{}
	return nil
}

// UnsubscribeDestroyed removes subscriberAID's subscription to targetAID.
func (r *Registry) UnsubscribeDestroyed(subscriberAID, targetAID int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.destroyed[targetAID]
	if !ok {
		return errno.New(errno.NOT, "automaton %d has no destroyed subscription on %d", subscriberAID, targetAID)
	}
	if _, ok := subs[subscriberAID]; !ok {
		return errno.New(errno.NOT, "automaton %d has no destroyed subscription on %d", subscriberAID, targetAID)
	}
	delete(subs, subscriberAID)
	if len(subs) == 0 {
		delete(r.destroyed, targetAID)
	}
	if set := r.subscribedTo[subscriberAID]; set != nil {
		delete(set, targetAID)
		if len(set) == 0 {
			delete(r.subscribedTo, subscriberAID)
		}
	}
	return nil
}

// SubscribeIRQ registers subscriberAID to receive ano/param on every
// fire of line.
func (r *Registry) SubscribeIRQ(subscriberAID int32, line int, ano, param int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.irq[line]; !ok {
		r.irq[line] = make(map[int32]irqEntry)
	}
	r.irq[line][subscriberAID] = irqEntry{ano: ano, param: param}
	if _, ok := r.irqSubscribedTo[subscriberAID]; !ok {
		r.irqSubscribedTo[subscriberAID] = make(map[int]struct{})
	}
	r.irqSubscribedTo[subscriberAID][line] = struct{}{}
	return nil
}

// UnsubscribeIRQ removes subscriberAID's subscription to line.
func (r *Registry) UnsubscribeIRQ(subscriberAID int32, line int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.irq[line]
	if !ok {
		return errno.New(errno.NOT, "automaton %d has no irq subscription on line %d", subscriberAID, line)
	}
	if _, ok := subs[subscriberAID]; !ok {
		return errno.New(errno.NOT, "automaton %d has no irq subscription on line %d", subscriberAID, line)
	}
	delete(subs, subscriberAID)
	if len(subs) == 0 {
		delete(r.irq, line)
	}
	if set := r.irqSubscribedTo[subscriberAID]; set != nil {
		delete(set, line)
		if len(set) == 0 {
			delete(r.irqSubscribedTo, subscriberAID)
		}
	}
	return nil
}

// FireDestroyed returns the delivery set for targetAID's death and
// clears its subscriber list; a subscriber receives exactly one
// `destroyed` per target.
func (r *Registry) FireDestroyed(targetAID int32) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.destroyed[targetAID]
	if !ok {
		return nil
	}
	out := make([]Delivery, 0, len(subs))
	for subscriberAID, e := range subs {
		out = append(out, Delivery{AID: subscriberAID, ANO: e.ano, Param: e.param})
		if set := r.subscribedTo[subscriberAID]; set != nil {
			delete(set, targetAID)
			if len(set) == 0 {
				delete(r.subscribedTo, subscriberAID)
			}
		}
	}
	delete(r.destroyed, targetAID)
	log.G(context.Background()).WithField("boot_session", r.bootSession).WithField("target_aid", targetAID).WithField("subscribers", len(out)).Debug("destroyed fired")
	return out
}

// FireIRQ returns the delivery set for one fire of line.
func (r *Registry) FireIRQ(line int) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.irq[line]
	if !ok {
		return nil
	}
	out := make([]Delivery, 0, len(subs))
	for subscriberAID, e := range subs {
		out = append(out, Delivery{AID: subscriberAID, ANO: e.ano, Param: e.param})
	}
	return out
}

// CleanupSubscriber atomically removes every subscription aid holds,
// called from core/automaton's teardown hook when aid dies:
// subscription state is cleaned up atomically when the subscriber
// dies. Subscriptions other automata hold *on* aid are handled
// separately, by FireDestroyed(aid) at the moment of death.
func (r *Registry) CleanupSubscriber(aid int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for target := range r.subscribedTo[aid] {
		if subs := r.destroyed[target]; subs != nil {
			delete(subs, aid)
			if len(subs) == 0 {
				delete(r.destroyed, target)
			}
		}
	}
	delete(r.subscribedTo, aid)

	for line := range r.irqSubscribedTo[aid] {
		if subs := r.irq[line]; subs != nil {
			delete(subs, aid)
			if len(subs) == 0 {
				delete(r.irq, line)
			}
		}
	}
	delete(r.irqSubscribedTo, aid)
}
