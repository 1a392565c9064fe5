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

// Package binding implements the binding graph: a set of directed
// edges from an (output action, parameter) to an (input action,
// parameter), kept consistent across three cross-indices and
// enforcing the uniqueness and compatibility rules an edge must
// satisfy before it's installed.
package binding

import (
	"sync"

	"github.com/jrwilson/lily/core/action"
	"github.com/jrwilson/lily/core/errno"
	"github.com/jrwilson/lily/core/ids"
)

// Binding is one directed edge, identified by its own bid — a
// namespace kept deliberately separate from buffer ids so a bid can
// never be confused with a bd in a syscall argument.
type Binding struct {
	BID      int32
	OutAID   int32
	OutANO   int32
	OutParam int32
	InAID    int32
	InANO    int32
	InParam  int32
	OwnerAID int32
}

// ActionInfo is what the graph needs to know about a candidate
// endpoint to enforce that it names a live action of the right kind;
// core/syscall supplies it by resolving the automaton table, keeping
// this package free of that import edge.
type ActionInfo struct {
	AID       int32
	ANO       int32
	Kind      action.Kind
	ParamMode action.ParamMode
}

type inKey struct {
	aid, ano, param int32
}

type outKey struct {
	aid, ano, param, target int32
}

// Graph is the kernel's singleton binding registry.
type Graph struct {
	mu    sync.Mutex
	ids   *ids.Allocator
	byBID map[int32]*Binding
	// byOwner, byOut and byIn are the three cross-indices bind, unbind
	// and remove keep in lockstep.
	byOwner map[int32]map[int32]struct{}
	byOut   map[int32]map[int32]struct{} // out aid -> set of bid
	byIn    map[int32]map[int32]struct{} // in aid -> set of bid
	inUsed  map[inKey]int32              // an input action+param accepts at most one binding
	outUsed map[outKey]int32             // an output action+param+target pair binds at most once
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		ids:     ids.New(),
		byBID:   make(map[int32]*Binding),
		byOwner: make(map[int32]map[int32]struct{}),
		byOut:   make(map[int32]map[int32]struct{}),
		byIn:    make(map[int32]map[int32]struct{}),
		inUsed:  make(map[inKey]int32),
		outUsed: make(map[outKey]int32),
	}
}

// Bind creates a binding from out to in on behalf of ownerAID, after
// normalizing AUTO parameters and checking endpoint kinds and
// uniqueness. The returned int32 is the new binding's bid.
func (g *Graph) Bind(ownerAID int32, out, in ActionInfo, outParam, inParam int32) (int32, error) {
	if out.Kind != action.Output {
		return 0, errno.ErrInval("bind: endpoint (aid=%d,ano=%d) is not an output action", out.AID, out.ANO)
	}
	if in.Kind != action.Input {
		return 0, errno.ErrInval("bind: endpoint (aid=%d,ano=%d) is not an input action", in.AID, in.ANO)
	}
	if out.AID == in.AID {
		return 0, errno.ErrInval("bind: output and input belong to the same automaton %d", out.AID)
	}

	// AUTO normalization happens before the uniqueness checks below,
	// since those checks need the resolved parameter value.
	if out.ParamMode == action.Auto {
		outParam = in.AID
	} else if out.ParamMode == action.None {
		outParam = 0
	}
	if in.ParamMode == action.Auto {
		inParam = out.AID
	} else if in.ParamMode == action.None {
		inParam = 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ik := inKey{aid: in.AID, ano: in.ANO, param: inParam}
	if _, exists := g.inUsed[ik]; exists {
		return 0, errno.ErrInval("bind: input (aid=%d,ano=%d,param=%d) already bound", in.AID, in.ANO, inParam)
	}
	ok := outKey{aid: out.AID, ano: out.ANO, param: outParam, target: in.AID}
	if _, exists := g.outUsed[ok]; exists {
		return 0, errno.ErrInval("bind: output (aid=%d,ano=%d,param=%d) already bound to automaton %d", out.AID, out.ANO, outParam, in.AID)
	}

	bid := g.ids.Acquire()
	b := &Binding{
		BID: bid, OutAID: out.AID, OutANO: out.ANO, OutParam: outParam,
		InAID: in.AID, InANO: in.ANO, InParam: inParam, OwnerAID: ownerAID,
	}
	g.byBID[bid] = b
	g.index(b, ik, ok)
	return bid, nil
}

func (g *Graph) index(b *Binding, ik inKey, ok outKey) {
	g.inUsed[ik] = b.BID
	g.outUsed[ok] = b.BID
	addTo(g.byOwner, b.OwnerAID, b.BID)
	addTo(g.byOut, b.OutAID, b.BID)
	addTo(g.byIn, b.InAID, b.BID)
}

func addTo(m map[int32]map[int32]struct{}, key, bid int32) {
	set, ok := m[key]
	if !ok {
		set = make(map[int32]struct{})
		m[key] = set
	}
	set[bid] = struct{}{}
}

func removeFrom(m map[int32]map[int32]struct{}, key, bid int32) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, bid)
	if len(set) == 0 {
		delete(m, key)
	}
}

// Unbind removes a binding from all three indices. In-flight
// deliveries already enqueued are not retroactively cancelled; the
// scheduler filters them at dispatch by re-checking the target
// automaton's enabled flag, not by consulting the graph.
func (g *Graph) Unbind(bid int32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.byBID[bid]
	if !ok {
		return errno.New(errno.NOT, "binding %d does not exist", bid)
	}
	g.remove(b)
	return nil
}

func (g *Graph) remove(b *Binding) {
	delete(g.byBID, b.BID)
	delete(g.inUsed, inKey{aid: b.InAID, ano: b.InANO, param: b.InParam})
	delete(g.outUsed, outKey{aid: b.OutAID, ano: b.OutANO, param: b.OutParam, target: b.InAID})
	removeFrom(g.byOwner, b.OwnerAID, b.BID)
	removeFrom(g.byOut, b.OutAID, b.BID)
	removeFrom(g.byIn, b.InAID, b.BID)
	g.ids.Release(b.BID)
}

// Find returns the binding with the given bid.
func (g *Graph) Find(bid int32) (*Binding, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.byBID[bid]
	if !ok {
		return nil, errno.New(errno.NOT, "binding %d does not exist", bid)
	}
	return b, nil
}

// OutgoingFor returns every binding whose output endpoint is
// (aid, ano), in a deterministic order (ascending bid), so delivery
// order stays stable for a given binding-set history.
func (g *Graph) OutgoingFor(aid, ano int32) []*Binding {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Binding
	for bid := range g.byOut[aid] {
		if b := g.byBID[bid]; b != nil && b.OutANO == ano {
			out = append(out, b)
		}
	}
	sortBindings(out)
	return out
}

func sortBindings(bs []*Binding) {
	for i := 1; i < len(bs); i++ {
		for j := i; j > 0 && bs[j-1].BID > bs[j].BID; j-- {
			bs[j-1], bs[j] = bs[j], bs[j-1]
		}
	}
}

// RemoveAutomaton removes every binding touching aid as owner, output
// endpoint or input endpoint: every binding touching a dying
// automaton disappears with it. It returns the set of distinct peer
// aids that lost an edge to aid. core/syscall's teardown only logs how
// many there are; `destroyed(aid)` goes to the automata subscribed
// through core/sysevents, not to these peers as such.
func (g *Graph) RemoveAutomaton(aid int32) []int32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	peers := make(map[int32]struct{})
	touched := make(map[int32]*Binding)
	for bid := range g.byOwner[aid] {
		touched[bid] = g.byBID[bid]
	}
	for bid := range g.byOut[aid] {
		touched[bid] = g.byBID[bid]
	}
	for bid := range g.byIn[aid] {
		touched[bid] = g.byBID[bid]
	}

	for _, b := range touched {
		if b == nil {
			continue
		}
		if b.OutAID != aid {
			peers[b.OutAID] = struct{}{}
		}
		if b.InAID != aid {
			peers[b.InAID] = struct{}{}
		}
		g.remove(b)
	}

	out := make([]int32, 0, len(peers))
	for p := range peers {
		out = append(out, p)
	}
	return out
}

// Len reports the number of live bindings.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byBID)
}
