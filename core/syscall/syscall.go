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

// Package syscall implements the syscall dispatch surface, wiring
// together every other core package behind the pkg/abi.Proc interface
// the scheduler hands to a dispatched action.
// It is the only package in the kernel that imports core/automaton,
// core/binding, core/buffers, core/ids, core/loader, core/scheduler
// and core/sysevents together. What core/automaton and core/scheduler
// need from this package is expressed as an injected closure
// (automaton.Table.SetTeardown, scheduler.Deps.NewProc) rather than an
// import, and this package is where the two ends of each of those
// wires finally meet; core/scheduler does import core/automaton,
// core/binding, core/buffers and core/sysevents directly.
package syscall

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/containerd/log"
	"github.com/jrwilson/lily/core/action"
	"github.com/jrwilson/lily/core/automaton"
	"github.com/jrwilson/lily/core/binding"
	"github.com/jrwilson/lily/core/buffers"
	"github.com/jrwilson/lily/core/errno"
	"github.com/jrwilson/lily/core/ids"
	"github.com/jrwilson/lily/core/loader"
	"github.com/jrwilson/lily/core/scheduler"
	"github.com/jrwilson/lily/core/sysevents"
	"github.com/jrwilson/lily/pkg/abi"
	"github.com/jrwilson/lily/pkg/heap"
	"github.com/jrwilson/lily/pkg/identifiers"
	"github.com/jrwilson/lily/pkg/machine"
	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
)

// breakBase is the address a fresh automaton's AdjustBreak cursor
// starts from, a hosted stand-in for wherever a real port would place
// the automaton's heap above its loaded segments.
const breakBase int64 = 0x4000_0000

// Dispatcher owns every syscall implementation and the two wires that
// close the dependency graph: it supplies scheduler.Deps.NewProc and
// the function core/automaton's Table runs as its teardown hook.
// Scheduler is set with SetScheduler after construction, since the
// scheduler itself needs a completed Dispatcher to build its NewProc
// closure against — the two are mutually referential and Go has no
// way to construct them in a single literal.
type Dispatcher struct {
	aids     *ids.Allocator
	table    *automaton.Table
	bindings *binding.Graph
	buf      *buffers.Manager
	events   *sysevents.Registry
	mach     machine.Machine
	sched    *scheduler.Scheduler

	mu       sync.Mutex
	breaks   map[int32]int64
	initBufs map[int32][2]int32
	programs map[digest.Digest]abi.Program

	creates  prometheus.Counter
	destroys prometheus.Counter
	binds    prometheus.Counter
}

// New builds a Dispatcher over its collaborators and installs itself
// as table's teardown hook. The returned Dispatcher has no Scheduler
// yet; callers must call SetScheduler before the first dispatch.
func New(aids *ids.Allocator, table *automaton.Table, bindings *binding.Graph, buf *buffers.Manager, events *sysevents.Registry, mach machine.Machine, reg prometheus.Registerer) *Dispatcher {
	d := &Dispatcher{
		aids:     aids,
		table:    table,
		bindings: bindings,
		buf:      buf,
		events:   events,
		mach:     mach,
		breaks:   make(map[int32]int64),
		initBufs: make(map[int32][2]int32),
		programs: make(map[digest.Digest]abi.Program),
	}
	d.creates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lily", Subsystem: "syscall", Name: "creates_total", Help: "Number of automata created.",
	})
	d.destroys = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lily", Subsystem: "syscall", Name: "destroys_total", Help: "Number of automata destroyed, including cascaded children.",
	})
	d.binds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lily", Subsystem: "syscall", Name: "binds_total", Help: "Number of bindings created.",
	})
	if reg != nil {
		reg.MustRegister(d.creates, d.destroys, d.binds)
	}
	table.SetTeardown(d.teardown)
	return d
}

// SetScheduler wires the Scheduler this Dispatcher schedules against.
// Call once, after both have been constructed.
func (d *Dispatcher) SetScheduler(s *scheduler.Scheduler) {
	d.sched = s
}

// RegisterProgram associates an image's content digest with the Go
// function table create should install for automata loaded from it.
// Stands in for the link step a non-hosted port would perform against
// real machine code; see pkg/abi's package doc. Tests and cmd/lilyd call
// this before Create with the digest of the image bytes they are
// about to pass in.
func (d *Dispatcher) RegisterProgram(dig digest.Digest, prog abi.Program) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.programs[dig] = prog
}

// NewProc satisfies scheduler.Deps.NewProc, binding every subsequent
// syscall the dispatched action makes to aid.
func (d *Dispatcher) NewProc(aid int32) abi.Proc {
	return &boundProc{d: d, aid: aid}
}

// teardown is core/automaton's Table.SetTeardown hook, run once per
// automaton during Destroy's dismantle phase, depth-first from the
// leaves (see automaton.Table.Destroy). It releases everything the
// table itself does not own.
func (d *Dispatcher) teardown(aid int32) {
	peers := d.bindings.RemoveAutomaton(aid)
	log.G(context.Background()).WithField("aid", aid).WithField("peers", len(peers)).Debug("bindings released")

	for _, del := range d.events.FireDestroyed(aid) {
		d.sched.Enqueue(del.AID, del.ANO, del.Param, 0, 0)
	}
	d.events.CleanupSubscriber(aid)

	d.buf.DestroyAll(aid)

	d.mu.Lock()
	delete(d.breaks, aid)
	delete(d.initBufs, aid)
	d.mu.Unlock()

	d.aids.Release(aid)
	d.destroys.Inc()
}

// boundProc is the per-dispatch abi.Proc handed to one action
// invocation; aid never changes across the lifetime of the value.
type boundProc struct {
	d   *Dispatcher
	aid int32
}

func (p *boundProc) Schedule(ano int32, param int32) error {
	return p.d.sched.ScheduleOwn(p.aid, ano, param)
}

func (p *boundProc) Finish(nextANO int32, nextParam int32, outputFired bool, bufA, bufB int32) {
	p.d.sched.Finish(p.aid, nextANO, nextParam, outputFired, bufA, bufB)
}

// Exit is destroy(self), the syscall-table shorthand for an automaton
// tearing itself down rather than waiting on its owner.
func (p *boundProc) Exit() {
	if err := p.Destroy(p.aid); err != nil {
		log.G(context.Background()).WithField("aid", p.aid).WithError(err).Warn("exit: self-destroy failed")
	}
}

// Create implements create(text_bd, bda, bdb, name, privileged): parse
// the image held in the caller's own text_bd, allocate a fresh aid,
// install the catalog, copy the two init buffers into the child by
// transfer, and schedule its `init` system_input if its catalog
// declares one.
func (p *boundProc) Create(textBD, bufA, bufB int32, name string, privileged bool) (int32, error) {
	d := p.d
	caller, err := d.table.Find(p.aid)
	if err != nil {
		return 0, err
	}
	if privileged && !caller.Privileged {
		return 0, errno.ErrPermission("create: caller %d is not privileged, cannot create a privileged automaton", p.aid)
	}
	if name != "" {
		if err := identifiers.Validate(name); err != nil {
			return 0, err
		}
	}

	raw, err := d.buf.Read(p.aid, textBD)
	if err != nil {
		return 0, err
	}
	img, err := loader.Parse(raw)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	prog := d.programs[img.Digest]
	d.mu.Unlock()
	if prog == nil {
		log.G(context.Background()).WithField("digest", img.Digest).Warn("create: no program registered for this image digest, every action will dispatch as unresolved")
	}

	newAID := d.aids.Acquire()
	a, err := d.table.Insert(automaton.CreateParams{
		AID:        newAID,
		Name:       name,
		Catalog:    img.Actions,
		Program:    prog,
		Privileged: privileged && caller.Privileged,
		Parent:     p.aid,
	})
	if err != nil {
		d.aids.Release(newAID)
		return 0, err
	}
	d.buf.AdoptOwner(a.AID)

	var newA, newB int32
	if bufA != 0 {
		newA, err = d.buf.TransferCopy(p.aid, bufA, a.AID)
		if err != nil {
			d.table.Destroy(a.AID)
			return 0, err
		}
	}
	if bufB != 0 {
		newB, err = d.buf.TransferCopy(p.aid, bufB, a.AID)
		if err != nil {
			d.table.Destroy(a.AID)
			return 0, err
		}
	}
	d.mu.Lock()
	d.initBufs[a.AID] = [2]int32{newA, newB}
	d.mu.Unlock()

	if entry, ok := a.ActionByName("init"); ok && entry.Kind == action.SystemInput {
		d.sched.Enqueue(a.AID, entry.ANO, 0, newA, newB)
	}

	d.creates.Inc()
	return a.AID, nil
}

func (p *boundProc) Bind(oaid, oano, op, iaid, iano, ip int32) (int32, error) {
	d := p.d
	out, err := d.table.Find(oaid)
	if err != nil {
		return 0, errno.ErrOAID(oaid)
	}
	outEntry, ok := out.Action(oano)
	if !ok {
		return 0, errno.ErrOANO(oano)
	}
	in, err := d.table.Find(iaid)
	if err != nil {
		return 0, errno.ErrIAID(iaid)
	}
	inEntry, ok := in.Action(iano)
	if !ok {
		return 0, errno.ErrIANO(iano)
	}

	bid, err := d.bindings.Bind(p.aid,
		binding.ActionInfo{AID: oaid, ANO: oano, Kind: outEntry.Kind, ParamMode: outEntry.ParamMode},
		binding.ActionInfo{AID: iaid, ANO: iano, Kind: inEntry.Kind, ParamMode: inEntry.ParamMode},
		op, ip)
	if err != nil {
		return 0, err
	}
	d.binds.Inc()
	return bid, nil
}

func (p *boundProc) Unbind(bid int32) error {
	return p.d.bindings.Unbind(bid)
}

// Destroy implements destroy(aid). Not gated by ownership: the
// Privileged syscall group covers map/unmap and port I/O, not destroy,
// so any automaton that knows a live aid may tear it down.
func (p *boundProc) Destroy(aid int32) error {
	_, err := p.d.table.Destroy(aid)
	return err
}

func (p *boundProc) Lookup(name string) (int32, error) {
	a, err := p.d.table.FindByName(name)
	if err != nil {
		return 0, err
	}
	return a.AID, nil
}

// catalogEntry is describe's wire shape for one action, a JSON
// rendering of action.Entry kept intentionally separate from it so
// the catalog's introspection format is free to diverge from the
// in-memory struct without breaking callers of core/action.
type catalogEntry struct {
	ANO       int32  `json:"ano"`
	Kind      string `json:"kind"`
	ParamMode string `json:"param_mode"`
	Name      string `json:"name"`
	Desc      string `json:"desc"`
}

// Describe implements describe(aid): a new buffer in the caller's own
// namespace holding a JSON catalog dump, for introspection tools like
// lilyctl rather than anything a real production automaton consumes.
// JSON is a deliberate, stdlib-only choice here: this wire shape is
// purely an internal debugging surface, not part of the image format
// core/loader parses, so no third-party codec in the retrieved pack
// has anything to offer it beyond what encoding/json already does.
func (p *boundProc) Describe(aid int32) (int32, error) {
	a, err := p.d.table.Find(aid)
	if err != nil {
		return 0, err
	}
	entries := make([]catalogEntry, len(a.Catalog))
	for i, e := range a.Catalog {
		entries[i] = catalogEntry{ANO: e.ANO, Kind: e.Kind.String(), ParamMode: e.ParamMode.String(), Name: e.Name, Desc: e.Desc}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return 0, errno.ErrInval("describe: %v", err)
	}

	pages := int32((len(data) + heap.PageSize - 1) / heap.PageSize)
	if pages == 0 {
		pages = 1
	}
	bid, err := p.d.buf.Create(p.aid, pages)
	if err != nil {
		return 0, err
	}
	if err := p.d.buf.Write(p.aid, bid, data); err != nil {
		return 0, err
	}
	return bid, nil
}

func (p *boundProc) GetAID() int32 { return p.aid }

func (p *boundProc) GetInitA() int32 {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	return p.d.initBufs[p.aid][0]
}

func (p *boundProc) GetInitB() int32 {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	return p.d.initBufs[p.aid][1]
}

func (p *boundProc) GetMonotime() int64 { return p.d.sched.Monotime() }

// AdjustBreak implements adjust_break(delta): a monotonic per-automaton
// cursor standing in for a real heap-growth syscall, since Lily has no
// page-fault-driven demand paging to grow into.
func (p *boundProc) AdjustBreak(delta int64) (int64, error) {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.breaks[p.aid]
	if !ok {
		cur = breakBase
	}
	next := cur + delta
	if next < breakBase {
		return 0, errno.ErrInval("adjust_break: delta %d would move break below %#x", delta, breakBase)
	}
	d.breaks[p.aid] = next
	return next, nil
}

func (p *boundProc) BufferCreate(pages int32) (int32, error) { return p.d.buf.Create(p.aid, pages) }
func (p *boundProc) BufferCopy(bid int32) (int32, error)      { return p.d.buf.Copy(p.aid, bid) }
func (p *boundProc) BufferDestroy(bid int32) error            { return p.d.buf.Destroy(p.aid, bid) }
func (p *boundProc) BufferSize(bid int32) (int32, error)      { return p.d.buf.Size(p.aid, bid) }
func (p *boundProc) BufferResize(bid int32, pages int32) error {
	return p.d.buf.Resize(p.aid, bid, pages)
}
func (p *boundProc) BufferAssign(dst, src int32) error { return p.d.buf.Assign(p.aid, dst, src) }
func (p *boundProc) BufferAppend(dst, src int32) (int32, error) {
	return p.d.buf.Append(p.aid, dst, src)
}
func (p *boundProc) BufferMap(bid int32) (int64, error) { return p.d.buf.Map(p.aid, bid) }
func (p *boundProc) BufferUnmap(bid int32) error         { return p.d.buf.Unmap(p.aid, bid) }

func (p *boundProc) SubscribeDestroyed(aid int32, ano int32) error {
	return p.d.events.SubscribeDestroyed(p.aid, aid, ano, 0)
}

func (p *boundProc) UnsubscribeDestroyed(aid int32) error {
	return p.d.events.UnsubscribeDestroyed(p.aid, aid)
}

func (p *boundProc) SubscribeIRQ(line int32, ano int32, param int32) error {
	return p.d.events.SubscribeIRQ(p.aid, int(line), ano, param)
}

func (p *boundProc) UnsubscribeIRQ(line int32) error {
	return p.d.events.UnsubscribeIRQ(p.aid, int(line))
}

var _ abi.Proc = (*boundProc)(nil)
