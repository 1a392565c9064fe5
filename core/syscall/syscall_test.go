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

package syscall_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jrwilson/lily/core/action"
	"github.com/jrwilson/lily/core/automaton"
	"github.com/jrwilson/lily/core/binding"
	"github.com/jrwilson/lily/core/buffers"
	"github.com/jrwilson/lily/core/ids"
	"github.com/jrwilson/lily/core/loader"
	"github.com/jrwilson/lily/core/scheduler"
	"github.com/jrwilson/lily/core/sysevents"
	"github.com/jrwilson/lily/core/syscall"
	"github.com/jrwilson/lily/pkg/abi"
	"github.com/jrwilson/lily/pkg/heap"
	"github.com/jrwilson/lily/pkg/machine"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

const timeout = 2 * time.Second

// harness assembles every core package the way core/kernel's boot
// graph will, minus the plugin registry machinery, so the Dispatcher's
// wiring can be tested in isolation.
type harness struct {
	mach  *machine.Hosted
	table *automaton.Table
	binds *binding.Graph
	bufs  *buffers.Manager
	evts  *sysevents.Registry
	disp  *syscall.Dispatcher
	sched *scheduler.Scheduler
}

func newHarness() *harness {
	mach := machine.NewHosted(4)
	h := &harness{
		mach:  mach,
		table: automaton.New(mach),
		binds: binding.New(),
		bufs:  buffers.New(heap.NewHosted(), nil),
		evts:  sysevents.New(),
	}
	h.disp = syscall.New(ids.New(), h.table, h.binds, h.bufs, h.evts, h.mach, nil)
	h.sched = scheduler.New(scheduler.Deps{
		Table: h.table, Bindings: h.binds, BufferMgr: h.bufs, Events: h.evts,
		Machine: h.mach, NewProc: h.disp.NewProc,
	}, nil)
	h.disp.SetScheduler(h.sched)
	return h
}

// rootAID installs a privileged root automaton directly into the
// table, bypassing Create (which requires an already-live caller), so
// tests have a caller identity to issue syscalls as.
func (h *harness) rootAID(t *testing.T) int32 {
	t.Helper()
	a, err := h.table.Insert(automaton.CreateParams{AID: 1, Name: "root", Privileged: true, Parent: automaton.NoParent})
	require.NoError(t, err)
	h.bufs.AdoptOwner(a.AID)
	return a.AID
}

// buildImage constructs a minimal, well-formed single-action Lily
// image via core/loader's Builder, the in-process stand-in for a real
// toolchain.
func buildImage(actionName string, kind action.Kind) []byte {
	return loader.NewBuilder().
		AddSegment(0, heap.PageSize, loader.PermRead, nil).
		AddAction(action.Entry{Kind: kind, EntryPt: 0x1000, ParamMode: action.None, Name: actionName, Desc: "d"}).
		Bytes()
}

// imageDigest returns the digest core/syscall's Create will compute
// for img, which covers only the recognized region loader.Parse walks
// and so differs from a plain digest.FromBytes(img) over the whole
// page-padded buffer a real create(text_bd, ...) call reads it back
// from.
func imageDigest(t *testing.T, img []byte) digest.Digest {
	t.Helper()
	parsed, err := loader.Parse(img)
	require.NoError(t, err)
	return parsed.Digest
}

func TestCreateInstallsAutomatonAndSchedulesInit(t *testing.T) {
	h := newHarness()
	root := h.rootAID(t)

	img := buildImage("init", action.SystemInput)
	dig := imageDigest(t, img)

	initRan := make(chan struct{})
	h.disp.RegisterProgram(dig, abi.Program{
		0x1000: func(ctx context.Context, proc abi.Proc, param int32, bufA, bufB int32) {
			close(initRan)
			proc.Finish(0, 0, false, 0, 0)
		},
	})

	textBD, err := h.bufs.Create(root, 1)
	require.NoError(t, err)
	require.NoError(t, h.bufs.Write(root, textBD, img))

	proc := h.disp.NewProc(root)
	childAID, err := proc.Create(textBD, 0, 0, "child", false)
	require.NoError(t, err)
	require.NotEqual(t, root, childAID)

	child, err := h.table.Find(childAID)
	require.NoError(t, err)
	require.Equal(t, root, child.Parent())
	require.False(t, child.Privileged) // root didn't request privileged

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	go func() { _ = h.sched.Run(ctx) }()
	select {
	case <-initRan:
	case <-ctx.Done():
		t.Fatal("init action never dispatched")
	}
}

func TestCreateRejectsPrivilegedFromUnprivilegedCaller(t *testing.T) {
	h := newHarness()
	a, err := h.table.Insert(automaton.CreateParams{AID: 1, Name: "unpriv", Parent: automaton.NoParent})
	require.NoError(t, err)
	h.bufs.AdoptOwner(a.AID)

	img := buildImage("init", action.SystemInput)
	textBD, err := h.bufs.Create(a.AID, 1)
	require.NoError(t, err)
	require.NoError(t, h.bufs.Write(a.AID, textBD, img))

	proc := h.disp.NewProc(a.AID)
	_, err = proc.Create(textBD, 0, 0, "child", true)
	require.Error(t, err)
}

func TestBindThenDeliverThroughDispatchedActions(t *testing.T) {
	h := newHarness()
	root := h.rootAID(t)

	producerImg := buildImage("out", action.Output)
	consumerImg := buildImage("in", action.Input)

	var delivered []byte
	done := make(chan struct{})

	h.disp.RegisterProgram(imageDigest(t, producerImg), abi.Program{
		0x1000: func(ctx context.Context, proc abi.Proc, param int32, bufA, bufB int32) {
			bid, err := proc.BufferCreate(1)
			require.NoError(t, err)
			// write directly through the buffer manager since Proc has no
			// raw-write syscall (an action writes via its own mapped memory).
			require.NoError(t, h.bufs.Write(proc.GetAID(), bid, []byte("payload")))
			proc.Finish(0, 0, true, bid, 0)
		},
	})
	h.disp.RegisterProgram(imageDigest(t, consumerImg), abi.Program{
		0x1000: func(ctx context.Context, proc abi.Proc, param int32, bufA, bufB int32) {
			data, err := h.bufs.Read(proc.GetAID(), bufA)
			require.NoError(t, err)
			delivered = data[:7]
			close(done)
			proc.Finish(0, 0, false, 0, 0)
		},
	})

	rootProc := h.disp.NewProc(root)
	producerAID := createFromImage(t, h, rootProc, producerImg, "producer")
	consumerAID := createFromImage(t, h, rootProc, consumerImg, "consumer")

	_, err := rootProc.Bind(producerAID, 0, 0, consumerAID, 0, 0)
	require.NoError(t, err)

	h.sched.Enqueue(producerAID, 0, 0, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	go func() { _ = h.sched.Run(ctx) }()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("delivery never reached the consumer")
	}
	require.Equal(t, "payload", string(delivered))
}

func TestDestroyCascadesAndFiresDestroyedToSubscriber(t *testing.T) {
	h := newHarness()
	root := h.rootAID(t)
	rootProc := h.disp.NewProc(root)

	img := buildImage("init", action.SystemInput)
	h.disp.RegisterProgram(imageDigest(t, img), abi.Program{})

	parentAID := createFromImage(t, h, rootProc, img, "parent")
	parentProc := h.disp.NewProc(parentAID)
	childAID := createFromImage(t, h, parentProc, img, "child")

	require.NoError(t, rootProc.SubscribeDestroyed(parentAID, 0))

	require.NoError(t, rootProc.Destroy(parentAID))

	_, err := h.table.Find(parentAID)
	require.Error(t, err)
	_, err = h.table.Find(childAID)
	require.Error(t, err, "child must be destroyed transitively with its parent")

	// destroyed(parentAID) fired exactly once and cleared root's
	// subscription; unsubscribing again must now fail.
	err = rootProc.UnsubscribeDestroyed(parentAID)
	require.Error(t, err)
}

func TestAdjustBreakIsMonotonicPerAutomaton(t *testing.T) {
	h := newHarness()
	root := h.rootAID(t)
	proc := h.disp.NewProc(root)

	first, err := proc.AdjustBreak(4096)
	require.NoError(t, err)
	second, err := proc.AdjustBreak(4096)
	require.NoError(t, err)
	require.Greater(t, second, first)

	_, err = proc.AdjustBreak(-1 << 40)
	require.Error(t, err, "break must not move below its base")
}

func TestDescribeReturnsReadableCatalogBuffer(t *testing.T) {
	h := newHarness()
	root := h.rootAID(t)
	proc := h.disp.NewProc(root)

	bid, err := proc.Describe(root)
	require.NoError(t, err)
	data, err := h.bufs.Read(root, bid)
	require.NoError(t, err)

	var entries []map[string]any
	require.NoError(t, json.Unmarshal(trimTrailingZeros(data), &entries))
	require.Empty(t, entries, "root was inserted with no catalog in this harness")
}

// trimTrailingZeros strips the zero padding buffers.Manager.Write
// leaves past the written content, since a buffer's size is rounded
// up to a whole page.
func trimTrailingZeros(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}

// createFromImage writes img into a fresh buffer owned by the caller
// behind proc and invokes Create with it, asserting success.
func createFromImage(t *testing.T, h *harness, proc abi.Proc, img []byte, name string) int32 {
	t.Helper()
	textBD, err := h.bufs.Create(proc.GetAID(), 1)
	require.NoError(t, err)
	require.NoError(t, h.bufs.Write(proc.GetAID(), textBD, img))
	aid, err := proc.Create(textBD, 0, 0, name, false)
	require.NoError(t, err)
	return aid
}
