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

// Package scheduler implements per-automaton FIFO ready queues, a
// global automaton ready queue, and the `finish`/delivery cooperation
// point actions use to yield control back. The scheduler never
// preempts; it is driven entirely by Run's loop and by Finish being
// called synchronously from inside a dispatched action — a plain call
// into user mode, where finish is the yield back.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/log"
	"github.com/jrwilson/lily/core/action"
	"github.com/jrwilson/lily/core/automaton"
	"github.com/jrwilson/lily/core/binding"
	"github.com/jrwilson/lily/core/buffers"
	"github.com/jrwilson/lily/core/errno"
	"github.com/jrwilson/lily/core/sysevents"
	"github.com/jrwilson/lily/pkg/abi"
	"github.com/jrwilson/lily/pkg/machine"
	"github.com/prometheus/client_golang/prometheus"
)

type queueEntry struct {
	ANO, Param, BufA, BufB int32
}

type current struct {
	AID, ANO, Param int32
}

// Scheduler is the kernel's singleton dispatcher.
type Scheduler struct {
	mu sync.Mutex

	queues   map[int32][]queueEntry
	inGlobal map[int32]bool
	global   []int32

	table     *automaton.Table
	bindings  *binding.Graph
	bufferMgr *buffers.Manager
	events    *sysevents.Registry
	mach      machine.Machine
	newProc   func(aid int32) abi.Proc

	running      *current
	preferredAID int32
	hasPreferred bool
	tick         int64

	dispatches        prometheus.Counter
	deliveries        prometheus.Counter
	deliveriesDropped prometheus.Counter
	queueDepth        prometheus.GaugeFunc
}

// Deps bundles the collaborators a Scheduler is built from. NewProc is
// supplied by core/syscall, the only package that imports both this
// one and implements abi.Proc, keeping this package free of an import
// edge onto syscall.
type Deps struct {
	Table     *automaton.Table
	Bindings  *binding.Graph
	BufferMgr *buffers.Manager
	Events    *sysevents.Registry
	Machine   machine.Machine
	NewProc   func(aid int32) abi.Proc
}

// New constructs a Scheduler from its collaborators and registers its
// Prometheus instrumentation with reg (may be nil in tests).
func New(d Deps, reg prometheus.Registerer) *Scheduler {
	s := &Scheduler{
		queues:    make(map[int32][]queueEntry),
		inGlobal:  make(map[int32]bool),
		table:     d.Table,
		bindings:  d.Bindings,
		bufferMgr: d.BufferMgr,
		events:    d.Events,
		mach:      d.Machine,
		newProc:   d.NewProc,
	}
	s.dispatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lily", Subsystem: "scheduler", Name: "dispatches_total",
		Help: "Number of actions dispatched.",
	})
	s.deliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lily", Subsystem: "scheduler", Name: "deliveries_total",
		Help: "Number of successful input deliveries from output fires.",
	})
	s.deliveriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lily", Subsystem: "scheduler", Name: "deliveries_dropped_total",
		Help: "Deliveries skipped because the target ran out of memory for its copy.",
	})
	s.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "lily", Subsystem: "scheduler", Name: "ready_queue_depth",
		Help: "Total queued action descriptors across all automata.",
	}, s.totalDepth)
	if reg != nil {
		reg.MustRegister(s.dispatches, s.deliveries, s.deliveriesDropped, s.queueDepth)
	}
	return s
}

func (s *Scheduler) totalDepth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return float64(n)
}

// Monotime returns the scheduler's dispatch tick counter, backing the
// `getmonotime` syscall.
func (s *Scheduler) Monotime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Enqueue appends an action descriptor to aid's ready queue and adds
// aid to the global automaton ready queue if it was not already
// present. Used directly for `init`
// scheduling at automaton birth and for `destroyed`/`irq` system
// inputs; the `finish`-time scheduling and delivery paths call the
// unexported locked variant from within Finish.
func (s *Scheduler) Enqueue(aid, ano, param, bufA, bufB int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(aid, ano, param, bufA, bufB)
}

func (s *Scheduler) enqueueLocked(aid, ano, param, bufA, bufB int32) {
	s.queues[aid] = append(s.queues[aid], queueEntry{ANO: ano, Param: param, BufA: bufA, BufB: bufB})
	if !s.inGlobal[aid] {
		s.inGlobal[aid] = true
		s.global = append(s.global, aid)
	}
}

// ScheduleOwn implements the standalone `schedule` syscall: the
// calling automaton enqueues one of its own output/internal actions
// without finishing. Unlike finish's next_ano path this returns an
// ordinary INVAL error rather than asserting, since it is a regular
// syscall with an error channel.
func (s *Scheduler) ScheduleOwn(callerAID, ano, param int32) error {
	a, err := s.table.Find(callerAID)
	if err != nil {
		return err
	}
	entry, ok := a.Action(ano)
	if !ok {
		return errno.ErrANO(ano)
	}
	if entry.Kind == action.Input || entry.Kind == action.SystemInput {
		return errno.ErrInval("schedule: action %d is %s, only output/internal may be self-scheduled", ano, entry.Kind)
	}
	s.Enqueue(callerAID, ano, action.NormalizeSchedule(entry.ParamMode, param), 0, 0)
	return nil
}

// Finish is the single cooperation point invoked by
// core/syscall's Proc.Finish implementation from inside the action
// function that is currently dispatched. It must be called at most
// once per dispatch, synchronously, before the action function
// returns — the ABI's "yield back to the kernel" point.
func (s *Scheduler) Finish(callerAID, nextANO, nextParam int32, outputFired bool, bufA, bufB int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.running
	if cur == nil || cur.AID != callerAID {
		panic(fmt.Sprintf("finish called by aid %d with no matching dispatch in flight", callerAID))
	}

	if nextANO != 0 {
		a, err := s.table.Find(callerAID)
		if err != nil {
			panic(fmt.Sprintf("finish: caller %d vanished mid-dispatch", callerAID))
		}
		entry, ok := a.Action(nextANO)
		if !ok {
			panic(fmt.Sprintf("finish: automaton %d scheduled non-existent action %d", callerAID, nextANO))
		}
		if entry.Kind == action.Input || entry.Kind == action.SystemInput {
			panic(fmt.Sprintf("finish: automaton %d attempted to self-schedule %s action %d", callerAID, entry.Kind, nextANO))
		}
		s.enqueueLocked(callerAID, nextANO, action.NormalizeSchedule(entry.ParamMode, nextParam), 0, 0)
	}

	if outputFired {
		s.deliverLocked(callerAID, cur.ANO, bufA, bufB)
	}

	s.preferredAID = callerAID
	s.hasPreferred = true
	s.running = nil
}

// deliverLocked implements the delivery step triggered by an output
// firing. mu is held.
func (s *Scheduler) deliverLocked(outAID, outANO, bufA, bufB int32) {
	ctx := context.Background()
	if bufA != 0 {
		if err := s.bufferMgr.Sync(outAID, bufA); err != nil {
			log.G(ctx).WithError(err).Warn("sync of bda before delivery failed")
		}
	}
	if bufB != 0 {
		if err := s.bufferMgr.Sync(outAID, bufB); err != nil {
			log.G(ctx).WithError(err).Warn("sync of bdb before delivery failed")
		}
	}

	for _, b := range s.bindings.OutgoingFor(outAID, outANO) {
		target, err := s.table.Find(b.InAID)
		if err != nil || !target.Enabled() {
			continue
		}
		newA, newB, err := s.copyIntoLocked(outAID, b.InAID, bufA, bufB)
		if err != nil {
			s.deliveriesDropped.Inc()
			log.G(ctx).WithField("target_aid", b.InAID).WithError(err).Warn("delivery dropped: target out of memory")
			continue
		}
		s.enqueueLocked(b.InAID, b.InANO, b.InParam, newA, newB)
		s.deliveries.Inc()
	}

	if bufA != 0 {
		_ = s.bufferMgr.Destroy(outAID, bufA)
	}
	if bufB != 0 {
		_ = s.bufferMgr.Destroy(outAID, bufB)
	}
}

func (s *Scheduler) copyIntoLocked(outAID, targetAID, bufA, bufB int32) (int32, int32, error) {
	var newA, newB int32
	var err error
	if bufA != 0 {
		newA, err = s.bufferMgr.TransferCopy(outAID, bufA, targetAID)
		if err != nil {
			return 0, 0, err
		}
	}
	if bufB != 0 {
		newB, err = s.bufferMgr.TransferCopy(outAID, bufB, targetAID)
		if err != nil {
			if newA != 0 {
				_ = s.bufferMgr.Destroy(targetAID, newA)
			}
			return 0, 0, err
		}
	}
	return newA, newB, nil
}

// pickNext selects the next (aid, entry) to dispatch: prefer the
// just-finished caller, else round-robin
// the global automaton ready queue, else report none so Run can park.
func (s *Scheduler) pickNext() (int32, queueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasPreferred {
		aid := s.preferredAID
		s.hasPreferred = false
		if q := s.queues[aid]; len(q) > 0 {
			entry := q[0]
			s.queues[aid] = q[1:]
			if len(s.queues[aid]) == 0 {
				delete(s.queues, aid)
				s.removeFromGlobalLocked(aid)
			}
			return aid, entry, true
		}
	}

	for len(s.global) > 0 {
		aid := s.global[0]
		s.global = s.global[1:]
		q := s.queues[aid]
		if len(q) == 0 {
			s.inGlobal[aid] = false
			continue
		}
		entry := q[0]
		q = q[1:]
		if len(q) == 0 {
			delete(s.queues, aid)
			s.inGlobal[aid] = false
		} else {
			s.queues[aid] = q
			s.global = append(s.global, aid) // round-robin: back of the line
		}
		return aid, entry, true
	}
	return 0, queueEntry{}, false
}

func (s *Scheduler) removeFromGlobalLocked(aid int32) {
	if !s.inGlobal[aid] {
		return
	}
	s.inGlobal[aid] = false
	for i, v := range s.global {
		if v == aid {
			s.global = append(s.global[:i], s.global[i+1:]...)
			return
		}
	}
}

// Run drains ready queues until ctx is cancelled, parking on the
// machine's IRQ channel whenever nothing is runnable — a `hlt` loop.
// Each IRQ is translated into the `irq` system_input
// of every subscriber to that line before the loop resumes dispatch.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		aid, entry, ok := s.pickNext()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case irq := <-s.mach.IRQs():
				s.deliverIRQ(irq.Line)
				continue
			}
		}
		s.dispatch(ctx, aid, entry)
	}
}

func (s *Scheduler) deliverIRQ(line int) {
	for _, d := range s.events.FireIRQ(line) {
		s.Enqueue(d.AID, d.ANO, d.Param, 0, 0)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, aid int32, entry queueEntry) {
	a, err := s.table.Find(aid)
	if err != nil {
		return
	}
	if !a.Enabled() {
		return
	}
	act, ok := a.Action(entry.ANO)
	if !ok {
		log.G(ctx).WithField("aid", aid).WithField("ano", entry.ANO).Warn("dispatch: stale action, automaton's catalog no longer has it")
		return
	}

	s.mu.Lock()
	s.running = &current{AID: aid, ANO: entry.ANO, Param: entry.Param}
	s.tick++
	s.mu.Unlock()

	s.mach.Switch(a.AddrSpace)
	s.dispatches.Inc()

	fn := a.ProgramFunc(act.EntryPt)
	if fn == nil {
		log.G(ctx).WithField("aid", aid).WithField("entry", act.EntryPt).Warn("dispatch: unresolved entry point")
		s.mu.Lock()
		s.running = nil
		s.mu.Unlock()
		return
	}
	proc := s.newProc(aid)
	fn(ctx, proc, entry.Param, entry.BufA, entry.BufB)

	s.mu.Lock()
	if s.running != nil && s.running.AID == aid {
		// the action returned without calling finish: a user bug, but
		// not a kernel invariant violation, so the kernel just logs and
		// lets the automaton be re-scheduled empty-handed rather than
		// halting.
		log.G(ctx).WithField("aid", aid).WithField("ano", entry.ANO).Warn("action returned without calling finish")
		s.running = nil
	}
	s.mu.Unlock()
}
