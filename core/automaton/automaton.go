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

// Package automaton implements the canonical, by-aid and by-name
// indexed collection of live automata. An Automaton is immutable
// metadata (its action catalog, its address space) plus mutable status
// (enabled, refcount, children) — the same split a container runtime
// draws between its immutable spec and its live runtime status.
package automaton

import (
	"context"
	"sync"

	"github.com/containerd/log"
	"github.com/jrwilson/lily/core/action"
	"github.com/jrwilson/lily/core/errno"
	"github.com/jrwilson/lily/pkg/abi"
	"github.com/jrwilson/lily/pkg/machine"
)

// NoParent is the ParentAID value of a root automaton.
const NoParent int32 = -1

// Automaton is one entry of the table. Catalog is indexed densely by
// ano, matching the loader's dense assignment in core/loader.Parse.
type Automaton struct {
	AID        int32
	Name       string // "" if anonymous
	AddrSpace  machine.AddressSpace
	Catalog    []action.Entry
	Program    abi.Program // EntryPt -> Go function, the hosted ABI seam
	Privileged bool

	mu       sync.Mutex
	enabled  bool
	refcount int32
	parent   int32
	children map[int32]struct{}
}

// ProgramFunc resolves entryPt against this automaton's program table,
// returning nil if unresolved.
func (a *Automaton) ProgramFunc(entryPt uint64) abi.Func {
	return a.Program[entryPt]
}

// Enabled reports whether the automaton currently accepts dispatch.
func (a *Automaton) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Action looks up an action by ano within this automaton's catalog.
func (a *Automaton) Action(ano int32) (action.Entry, bool) {
	if ano < 0 || int(ano) >= len(a.Catalog) {
		return action.Entry{}, false
	}
	return a.Catalog[ano], true
}

// ActionByName looks up an action by name, used by create and by
// core/kernel's BootAutomaton to find an automaton's `init` action.
func (a *Automaton) ActionByName(name string) (action.Entry, bool) {
	for _, e := range a.Catalog {
		if e.Name == name {
			return e, true
		}
	}
	return action.Entry{}, false
}

// Parent returns the creating automaton's aid, or NoParent.
func (a *Automaton) Parent() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.parent
}

// Children returns a snapshot of this automaton's live children.
func (a *Automaton) Children() []int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int32, 0, len(a.children))
	for c := range a.children {
		out = append(out, c)
	}
	return out
}

// Refcount returns the automaton's current external reference count.
func (a *Automaton) Refcount() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refcount
}

// Table is the kernel's singleton automaton registry.
type Table struct {
	mu       sync.Mutex
	byAID    map[int32]*Automaton
	byName   map[string]int32
	machine  machine.Machine
	teardown func(aid int32) // injected hook releasing bindings/buffers/subscriptions; see core/syscall
}

// New returns an empty Table backed by m for address-space lifecycle.
func New(m machine.Machine) *Table {
	return &Table{
		byAID:   make(map[int32]*Automaton),
		byName:  make(map[string]int32),
		machine: m,
	}
}

// SetTeardown installs the callback Destroy invokes during dismantle to
// release everything the table itself does not own: bindings (core/
// binding), buffers (core/buffers), and event subscriptions (core/
// sysevents). Injected post-construction by core/syscall, which is the
// only package that imports all of them, keeping Table free of import
// edges onto its siblings.
func (t *Table) SetTeardown(fn func(aid int32)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardown = fn
}

// CreateParams describes a new automaton prior to allocation of its aid.
type CreateParams struct {
	AID        int32
	Name       string
	Catalog    []action.Entry
	Program    abi.Program
	Privileged bool
	Parent     int32 // NoParent for a root automaton
}

// Insert registers a newly allocated automaton. The caller (core/
// syscall) is responsible for having already reserved AID via core/ids
// and for building the address space; Insert only wires bookkeeping.
func (t *Table) Insert(p CreateParams) (*Automaton, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p.Name != "" {
		if _, exists := t.byName[p.Name]; exists {
			return nil, errno.ErrExists(p.Name)
		}
	}
	as := t.machine.NewAddressSpace()

	a := &Automaton{
		AID:        p.AID,
		Name:       p.Name,
		AddrSpace:  as,
		Catalog:    p.Catalog,
		Program:    p.Program,
		Privileged: p.Privileged,
		enabled:    true,
		refcount:   0,
		parent:     p.Parent,
		children:   make(map[int32]struct{}),
	}
	t.byAID[p.AID] = a
	if p.Name != "" {
		t.byName[p.Name] = p.AID
	}
	if p.Parent != NoParent {
		if parent, ok := t.byAID[p.Parent]; ok {
			parent.mu.Lock()
			parent.children[p.AID] = struct{}{}
			parent.refcount++
			parent.mu.Unlock()
		}
	}
	log.G(context.Background()).WithField("aid", p.AID).WithField("name", p.Name).Debug("automaton created")
	return a, nil
}

// Find returns the automaton with the given aid.
func (t *Table) Find(aid int32) (*Automaton, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byAID[aid]
	if !ok {
		return nil, errno.ErrAID(aid)
	}
	return a, nil
}

// FindByName returns the automaton with the given name.
func (t *Table) FindByName(name string) (*Automaton, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	aid, ok := t.byName[name]
	if !ok {
		return nil, errno.New(errno.NOT, "no automaton named %q", name)
	}
	return t.byAID[aid], nil
}

// Len reports the number of live automata.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byAID)
}

// Info is a point-in-time, lock-free snapshot of one automaton's
// identity fields, for introspection tools (lilyctl, a state store
// snapshot) that must not hold the table's lock while they serialize.
type Info struct {
	AID        int32
	Name       string
	Parent     int32
	Privileged bool
	CatalogLen int
}

// Snapshot returns an Info for every live automaton, unordered.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Info, 0, len(t.byAID))
	for _, a := range t.byAID {
		out = append(out, Info{
			AID:        a.AID,
			Name:       a.Name,
			Parent:     a.parent,
			Privileged: a.Privileged,
			CatalogLen: len(a.Catalog),
		})
	}
	return out
}

// Destroy runs two-phase destruction for aid and, transitively, every
// live descendant: disable, then dismantle. The teardown hook runs
// once per automaton in the subtree, depth-first
// from the leaves so a child's bindings and buffers are gone before
// its parent's are touched. Returns the full set of aids destroyed,
// used by the caller to log and to decrement upstream bookkeeping.
func (t *Table) Destroy(aid int32) ([]int32, error) {
	t.mu.Lock()
	a, ok := t.byAID[aid]
	if !ok {
		t.mu.Unlock()
		return nil, errno.ErrAID(aid)
	}
	t.mu.Unlock()

	a.mu.Lock()
	a.enabled = false
	a.mu.Unlock()

	var destroyed []int32
	for _, child := range a.Children() {
		grand, err := t.Destroy(child)
		if err == nil {
			destroyed = append(destroyed, grand...)
		}
	}

	t.mu.Lock()
	teardown := t.teardown
	t.mu.Unlock()
	if teardown != nil {
		teardown(aid)
	}

	t.mu.Lock()
	delete(t.byAID, aid)
	if a.Name != "" {
		delete(t.byName, a.Name)
	}
	if a.parent != NoParent {
		if parent, ok := t.byAID[a.parent]; ok {
			parent.mu.Lock()
			delete(parent.children, aid)
			if parent.refcount > 0 {
				parent.refcount--
			}
			parent.mu.Unlock()
		}
	}
	t.mu.Unlock()

	t.machine.DestroyAddressSpace(a.AddrSpace)

	return append(destroyed, aid), nil
}
