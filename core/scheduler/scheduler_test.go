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

package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/jrwilson/lily/core/action"
	"github.com/jrwilson/lily/core/automaton"
	"github.com/jrwilson/lily/core/binding"
	"github.com/jrwilson/lily/core/buffers"
	"github.com/jrwilson/lily/core/scheduler"
	"github.com/jrwilson/lily/core/sysevents"
	"github.com/jrwilson/lily/pkg/abi"
	"github.com/jrwilson/lily/pkg/heap"
	"github.com/jrwilson/lily/pkg/machine"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// harness wires a minimal kernel: table, bindings, buffers and a
// scheduler whose NewProc hands out no Proc; the test actions reach the
// scheduler and buffer manager through the harness they capture,
// standing in for
// core/syscall's full Proc implementation which this package must not
// import (see core/scheduler's package doc on the dependency direction).
type harness struct {
	table *automaton.Table
	binds *binding.Graph
	bufs  *buffers.Manager
	sched *scheduler.Scheduler
	mach  *machine.Hosted
}

func newHarness() *harness {
	mach := machine.NewHosted(4)
	h := &harness{
		mach:  mach,
		table: automaton.New(mach),
		binds: binding.New(),
		bufs:  buffers.New(heap.NewHosted(), nil),
	}
	events := sysevents.New()
	h.sched = scheduler.New(scheduler.Deps{
		Table:     h.table,
		Bindings:  h.binds,
		BufferMgr: h.bufs,
		Events:    events,
		Machine:   h.mach,
		NewProc:   func(aid int32) abi.Proc { return nil },
	}, nil)
	return h
}

// create installs an automaton whose catalog and program are built
// from the given actions; actions with a nil Func just never run.
func (h *harness) create(aid int32, entries []action.Entry, funcs map[int32]abi.Func) *automaton.Automaton {
	program := abi.Program{}
	for ano, fn := range funcs {
		program[entries[ano].EntryPt] = fn
	}
	a, err := h.table.Insert(automaton.CreateParams{
		AID: aid, Catalog: entries, Program: program, Parent: automaton.NoParent,
	})
	if err != nil {
		panic(err)
	}
	return a
}

func outAction(entryPt uint64, mode action.ParamMode) action.Entry {
	return action.Entry{Kind: action.Output, EntryPt: entryPt, ParamMode: mode, Name: "out", Desc: "out"}
}

func inAction(entryPt uint64, mode action.ParamMode) action.Entry {
	return action.Entry{Kind: action.Input, EntryPt: entryPt, ParamMode: mode, Name: "in", Desc: "in"}
}

func TestProducerConsumerDelivery(t *testing.T) {
	h := newHarness()

	var consumedBytes []byte
	var producerRefired bool

	producer := h.create(1, []action.Entry{outAction(0x10, action.None)}, map[int32]abi.Func{
		0: func(ctx context.Context, proc abi.Proc, param int32, bufA, bufB int32) {
			if producerRefired {
				h.sched.Finish(1, 0, 0, false, 0, 0)
				return
			}
			bid, err := h.bufs.Create(1, 1)
			require.NoError(t, err)
			require.NoError(t, h.bufs.Write(1, bid, []byte("Hello")))
			producerRefired = true
			h.sched.Finish(1, 0, 0, true, bid, 0)
		},
	})
	consumer := h.create(2, []action.Entry{inAction(0x20, action.None)}, map[int32]abi.Func{
		0: func(ctx context.Context, proc abi.Proc, param int32, bufA, bufB int32) {
			data, err := h.bufs.Read(2, bufA)
			require.NoError(t, err)
			consumedBytes = data[:5]
			h.sched.Finish(2, 0, 0, false, 0, 0)
		},
	})

	_, err := h.binds.Bind(1, binding.ActionInfo{AID: producer.AID, ANO: 0, Kind: action.Output, ParamMode: action.None},
		binding.ActionInfo{AID: consumer.AID, ANO: 0, Kind: action.Input, ParamMode: action.None}, 0, 0)
	require.NoError(t, err)

	h.sched.Enqueue(1, 0, 0, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = h.sched.Run(ctx)
	}()

	require.Eventually(t, func() bool { return string(consumedBytes) == "Hello" }, timeout, tick)
	cancel()
}

func TestFanOutDeliversIndependentCopies(t *testing.T) {
	h := newHarness()

	var c1Data, c2Data []byte
	producer := h.create(1, []action.Entry{outAction(0x10, action.None)}, map[int32]abi.Func{
		0: func(ctx context.Context, proc abi.Proc, param int32, bufA, bufB int32) {
			bid, _ := h.bufs.Create(1, 1)
			_ = h.bufs.Write(1, bid, []byte("fan"))
			h.sched.Finish(1, 0, 0, true, bid, 0)
		},
	})
	c1 := h.create(2, []action.Entry{inAction(0x20, action.None)}, map[int32]abi.Func{
		0: func(ctx context.Context, proc abi.Proc, param int32, bufA, bufB int32) {
			c1Data, _ = h.bufs.Read(2, bufA)
			_ = h.bufs.Write(2, bufA, []byte("XXX"))
			h.sched.Finish(2, 0, 0, false, 0, 0)
		},
	})
	c2 := h.create(3, []action.Entry{inAction(0x30, action.None)}, map[int32]abi.Func{
		0: func(ctx context.Context, proc abi.Proc, param int32, bufA, bufB int32) {
			c2Data, _ = h.bufs.Read(3, bufA)
			h.sched.Finish(3, 0, 0, false, 0, 0)
		},
	})

	_, err := h.binds.Bind(1, binding.ActionInfo{AID: producer.AID, ANO: 0, Kind: action.Output},
		binding.ActionInfo{AID: c1.AID, ANO: 0, Kind: action.Input}, 0, 0)
	require.NoError(t, err)
	_, err = h.binds.Bind(1, binding.ActionInfo{AID: producer.AID, ANO: 0, Kind: action.Output},
		binding.ActionInfo{AID: c2.AID, ANO: 0, Kind: action.Input}, 0, 1)
	require.NoError(t, err)

	h.sched.Enqueue(1, 0, 0, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.sched.Run(ctx) }()

	require.Eventually(t, func() bool { return len(c1Data) > 0 && len(c2Data) > 0 }, timeout, tick)
	cancel()

	require.Equal(t, "fan", string(c1Data[:3]))
	require.Equal(t, "fan", string(c2Data[:3])) // c1's mutation never visible to c2
}

func TestAutoParameterNormalizedAtBind(t *testing.T) {
	h := newHarness()
	p := h.create(1, []action.Entry{outAction(0x10, action.Auto)}, nil)
	c := h.create(2, []action.Entry{inAction(0x20, action.Auto)}, nil)

	bid, err := h.binds.Bind(1,
		binding.ActionInfo{AID: p.AID, ANO: 0, Kind: action.Output, ParamMode: action.Auto},
		binding.ActionInfo{AID: c.AID, ANO: 0, Kind: action.Input, ParamMode: action.Auto}, 0, 0)
	require.NoError(t, err)
	b, err := h.binds.Find(bid)
	require.NoError(t, err)
	require.Equal(t, c.AID, b.OutParam)
	require.Equal(t, p.AID, b.InParam)
}

func TestOOMDuringDeliverySkipsOnlyThatTarget(t *testing.T) {
	h := newHarness()
	h.bufs.SetMaxLiveBuffers(1) // only the producer's own buffer fits

	var consumed bool
	producer := h.create(1, []action.Entry{outAction(0x10, action.None)}, map[int32]abi.Func{
		0: func(ctx context.Context, proc abi.Proc, param int32, bufA, bufB int32) {
			bid, err := h.bufs.Create(1, 1)
			require.NoError(t, err)
			h.sched.Finish(1, 0, 0, true, bid, 0)
		},
	})
	consumer := h.create(2, []action.Entry{inAction(0x20, action.None)}, map[int32]abi.Func{
		0: func(ctx context.Context, proc abi.Proc, param int32, bufA, bufB int32) {
			consumed = true
			h.sched.Finish(2, 0, 0, false, 0, 0)
		},
	})
	_, err := h.binds.Bind(1, binding.ActionInfo{AID: producer.AID, ANO: 0, Kind: action.Output},
		binding.ActionInfo{AID: consumer.AID, ANO: 0, Kind: action.Input}, 0, 0)
	require.NoError(t, err)

	h.sched.Enqueue(1, 0, 0, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = h.sched.Run(ctx)

	require.False(t, consumed, "delivery should have been dropped, not delivered, under the buffer budget")
}
