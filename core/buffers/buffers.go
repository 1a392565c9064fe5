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

// Package buffers implements ref-counted, page-granular data buffers
// with copy-on-write frame sharing and owner-exclusive access. Every
// operation is scoped to the automaton that owns the table it
// touches; cross-automaton transfer exists only through
// TransferCopy, the copy-on-send path core/scheduler drives during
// delivery.
package buffers

import (
	"sync"

	"github.com/containerd/log"
	"github.com/jrwilson/lily/core/errno"
	"github.com/jrwilson/lily/core/ids"
	"github.com/jrwilson/lily/pkg/heap"
	"github.com/prometheus/client_golang/prometheus"
)

// Buffer is one page-granular region owned by exactly one automaton.
type Buffer struct {
	AID    int32
	BID    int32
	Frames []heap.FrameID

	mapped    bool
	mapBase   int64
	mapLen    int64
	writable  bool
}

// Pages reports the buffer's current page count.
func (b *Buffer) Pages() int32 { return int32(len(b.Frames)) }

// Mapped reports whether the buffer currently has a virtual mapping.
func (b *Buffer) Mapped() bool { return b.mapped }

type ownerTable struct {
	ids  *ids.Allocator
	bufs map[int32]*Buffer
	// brk simulates a monotonically growing per-automaton virtual
	// mapping cursor, standing in for the real address-space allocator
	// behind buffer_map; unmap never lowers it (virtual space reuse
	// after unmap is not modeled).
	brk int64
}

// Manager is the kernel's buffer manager, one instance shared by every
// automaton; each automaton's buffers live in their own namespace
// inside it so no bid is ever valid across automata except through
// TransferCopy.
type Manager struct {
	mu     sync.Mutex
	frames heap.Allocator
	owners map[int32]*ownerTable

	// maxLiveBuffers bounds the control-block pool every buffer-create
	// path (Create, Copy, TransferCopy) draws from, standing in for the
	// kmalloc'd bookkeeping a real kernel would spend per buffer even
	// when its pages are pure COW shares with no new frame behind them.
	// 0 means unlimited, the default for tests with no resource budget
	// to exercise.
	maxLiveBuffers int
	liveCount      int

	liveBuffers prometheus.Gauge
	liveFrames  prometheus.GaugeFunc
}

// New returns a Manager backed by frames.
func New(frames heap.Allocator, reg prometheus.Registerer) *Manager {
	m := &Manager{
		frames: frames,
		owners: make(map[int32]*ownerTable),
	}
	m.liveBuffers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lily",
		Subsystem: "buffers",
		Name:      "live_total",
		Help:      "Number of live buffers across all automata.",
	})
	if hosted, ok := frames.(*heap.Hosted); ok {
		m.liveFrames = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "lily",
			Subsystem: "buffers",
			Name:      "live_frames",
			Help:      "Number of live physical frames backing all buffers.",
		}, func() float64 { return float64(hosted.LiveFrames()) })
	}
	if reg != nil {
		reg.MustRegister(m.liveBuffers)
		if m.liveFrames != nil {
			reg.MustRegister(m.liveFrames)
		}
	}
	return m
}

// SetMaxLiveBuffers caps the number of live buffers the manager will
// admit across every automaton, returning NOMEM from Create, Copy and
// TransferCopy once reached. 0 (the default) means unlimited.
func (m *Manager) SetMaxLiveBuffers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxLiveBuffers = n
}

func (m *Manager) admitLocked() error {
	if m.maxLiveBuffers > 0 && m.liveCount >= m.maxLiveBuffers {
		return errno.ErrNoMem("buffer control block pool exhausted (%d live)", m.liveCount)
	}
	m.liveCount++
	return nil
}

func (m *Manager) table(aid int32) *ownerTable {
	t, ok := m.owners[aid]
	if !ok {
		t = &ownerTable{ids: ids.New(), bufs: make(map[int32]*Buffer)}
		// Buffer id 0 means "no buffer" at the action ABI, so it is
		// never handed out.
		t.ids.Reserve(0)
		m.owners[aid] = t
	}
	return t
}

// AdoptOwner ensures aid has a (possibly empty) buffer table, called by
// core/syscall's Create and core/kernel's BootAutomaton so a freshly
// created automaton starts with a buffer table of its own.
func (m *Manager) AdoptOwner(aid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(aid)
}

func (m *Manager) lookup(aid, bid int32) (*ownerTable, *Buffer, error) {
	t, ok := m.owners[aid]
	if !ok {
		return nil, nil, errno.ErrBID(bid)
	}
	b, ok := t.bufs[bid]
	if !ok {
		return nil, nil, errno.ErrBID(bid)
	}
	return t, b, nil
}

// Create allocates a new, zero-filled buffer of the given page count
// owned by aid.
func (m *Manager) Create(aid int32, pages int32) (int32, error) {
	if pages < 0 {
		return 0, errno.ErrInval("negative page count %d", pages)
	}
	frames, err := m.frames.Alloc(int(pages))
	if err != nil {
		return 0, errno.ErrNoMem("buffer_create: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admitLocked(); err != nil {
		for _, f := range frames {
			m.frames.Unref(f)
		}
		return 0, err
	}
	t := m.table(aid)
	bid := t.ids.Acquire()
	t.bufs[bid] = &Buffer{AID: aid, BID: bid, Frames: frames}
	m.liveBuffers.Inc()
	return bid, nil
}

// Copy creates a new buffer owned by aid sharing bid's frames
// copy-on-write; no frame is duplicated by this call.
func (m *Manager) Copy(aid, bid int32) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, src, err := m.lookup(aid, bid)
	if err != nil {
		return 0, err
	}
	if err := m.admitLocked(); err != nil {
		return 0, err
	}
	newBID := t.ids.Acquire()
	frames := append([]heap.FrameID(nil), src.Frames...)
	for _, f := range frames {
		m.frames.Ref(f)
	}
	t.bufs[newBID] = &Buffer{AID: aid, BID: newBID, Frames: frames}
	m.liveBuffers.Inc()
	return newBID, nil
}

// Destroy frees bid, releasing any frame not shared with another buffer.
func (m *Manager) Destroy(aid, bid int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, b, err := m.lookup(aid, bid)
	if err != nil {
		return err
	}
	for _, f := range b.Frames {
		m.frames.Unref(f)
	}
	delete(t.bufs, bid)
	t.ids.Release(bid)
	m.liveBuffers.Dec()
	if m.liveCount > 0 {
		m.liveCount--
	}
	return nil
}

// DestroyAll releases every buffer aid owns, called by core/automaton
// during the dismantle phase of destroy.
func (m *Manager) DestroyAll(aid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.owners[aid]
	if !ok {
		return
	}
	for _, b := range t.bufs {
		for _, f := range b.Frames {
			m.frames.Unref(f)
		}
		m.liveBuffers.Dec()
		if m.liveCount > 0 {
			m.liveCount--
		}
	}
	delete(m.owners, aid)
}

// Size returns bid's current page count.
func (m *Manager) Size(aid, bid int32) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, b, err := m.lookup(aid, bid)
	if err != nil {
		return 0, err
	}
	return b.Pages(), nil
}

// Resize adjusts bid's page count to n. Fails while bid is mapped: a
// mapped buffer is pinned against resize.
func (m *Manager) Resize(aid, bid int32, n int32) error {
	if n < 0 {
		return errno.ErrInval("negative page count %d", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, b, err := m.lookup(aid, bid)
	if err != nil {
		return err
	}
	if b.mapped {
		return errno.ErrInval("buffer %d is mapped", bid)
	}
	cur := int32(len(b.Frames))
	switch {
	case n == cur:
	case n < cur:
		for _, f := range b.Frames[n:] {
			m.frames.Unref(f)
		}
		b.Frames = b.Frames[:n]
	default:
		extra, err := m.frames.Alloc(int(n - cur))
		if err != nil {
			return errno.ErrNoMem("buffer_resize: %v", err)
		}
		b.Frames = append(b.Frames, extra...)
	}
	return nil
}

// Assign makes dst a frame-sharing clone of src, releasing dst's prior
// frames first.
func (m *Manager) Assign(aid, dst, src int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, dstBuf, err := m.lookup(aid, dst)
	if err != nil {
		return err
	}
	_, srcBuf, err := m.lookup(aid, src)
	if err != nil {
		return err
	}
	if dstBuf.mapped {
		return errno.ErrInval("buffer %d is mapped", dst)
	}
	for _, f := range dstBuf.Frames {
		m.frames.Unref(f)
	}
	frames := append([]heap.FrameID(nil), srcBuf.Frames...)
	for _, f := range frames {
		m.frames.Ref(f)
	}
	dstBuf.Frames = frames
	t.bufs[dst] = dstBuf
	return nil
}

// Append sets dst's page vector to dst‖src and returns the offset (in
// pages) where the appended region begins.
func (m *Manager) Append(aid, dst, src int32) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, dstBuf, err := m.lookup(aid, dst)
	if err != nil {
		return 0, err
	}
	_, srcBuf, err := m.lookup(aid, src)
	if err != nil {
		return 0, err
	}
	if dstBuf.mapped {
		return 0, errno.ErrInval("buffer %d is mapped", dst)
	}
	offset := int32(len(dstBuf.Frames))
	extra := append([]heap.FrameID(nil), srcBuf.Frames...)
	for _, f := range extra {
		m.frames.Ref(f)
	}
	dstBuf.Frames = append(dstBuf.Frames, extra...)
	return offset, nil
}

// Map allocates a virtual interval in aid's address space and installs
// bid's pages into it, returning the interval's base.
func (m *Manager) Map(aid, bid int32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, b, err := m.lookup(aid, bid)
	if err != nil {
		return 0, err
	}
	if b.mapped {
		return 0, errno.ErrInval("buffer %d is already mapped", bid)
	}
	length := int64(len(b.Frames)) * heap.PageSize
	base := t.brk
	t.brk += length
	if t.brk < base {
		return 0, errno.ErrNoMem("map: virtual address space exhausted")
	}
	b.mapped = true
	b.mapBase = base
	b.mapLen = length
	b.writable = true
	return base, nil
}

// Unmap releases bid's virtual interval; the underlying pages are
// unaffected.
func (m *Manager) Unmap(aid, bid int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, b, err := m.lookup(aid, bid)
	if err != nil {
		return err
	}
	if !b.mapped {
		return errno.ErrInval("buffer %d is not mapped", bid)
	}
	b.mapped = false
	b.mapBase, b.mapLen = 0, 0
	return nil
}

// Sync privatizes bid's frames if aid holds a writable mapping over
// them: frames become private only when the kernel is told to sync a
// buffer and a writable mapping exists on the sender.
// core/scheduler calls Sync on an output's bda/bdb immediately before
// TransferCopy so concurrent writes by the sender after the fire
// cannot be observed by a receiver that has not yet synced its own copy.
func (m *Manager) Sync(aid, bid int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, b, err := m.lookup(aid, bid)
	if err != nil {
		return err
	}
	if !b.mapped || !b.writable {
		return nil
	}
	for i, f := range b.Frames {
		if m.frames.RefCount(f) > 1 {
			priv, err := m.frames.Private(f)
			if err != nil {
				return errno.ErrNoMem("sync: %v", err)
			}
			m.frames.Unref(f)
			b.Frames[i] = priv
		}
	}
	return nil
}

// TransferCopy is the copy-on-send path: it creates a new buffer
// owned by dstAID sharing srcAID's bid's frames copy-on-write, the
// way finish's delivery step gives every bound input its own bid over
// the same logical bytes. Returns BDDNE if bid does not name a live
// buffer of srcAID, or NOMEM if the live-buffer budget set with
// SetMaxLiveBuffers is exhausted, which delivery treats as an
// OOM-during-delivery failure for that one target.
func (m *Manager) TransferCopy(srcAID, bid, dstAID int32) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, src, err := m.lookup(srcAID, bid)
	if err != nil {
		return 0, err
	}
	if err := m.admitLocked(); err != nil {
		return 0, err
	}
	dst := m.table(dstAID)
	newBID := dst.ids.Acquire()
	frames := append([]heap.FrameID(nil), src.Frames...)
	for _, f := range frames {
		m.frames.Ref(f)
	}
	dst.bufs[newBID] = &Buffer{AID: dstAID, BID: newBID, Frames: frames}
	m.liveBuffers.Inc()
	return newBID, nil
}

// Read returns the concatenated bytes bid currently holds, used by
// create to load an image and by tests to assert on delivered contents.
func (m *Manager) Read(aid, bid int32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, b, err := m.lookup(aid, bid)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(b.Frames)*heap.PageSize)
	for _, f := range b.Frames {
		out = append(out, m.frames.Read(f)...)
	}
	return out, nil
}

// Write overwrites bid's content with data, zero-padding or truncating
// to the buffer's current page count. Any frame bid shares with another
// buffer is first replaced by a private copy, so the write is never
// visible through that other buffer. Used by describe and by tests to
// stage outbound buffer contents before a fire.
func (m *Manager) Write(aid, bid int32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, b, err := m.lookup(aid, bid)
	if err != nil {
		return err
	}
	for i, f := range b.Frames {
		if m.frames.RefCount(f) > 1 {
			priv, err := m.frames.Private(f)
			if err != nil {
				return errno.ErrNoMem("write: %v", err)
			}
			m.frames.Unref(f)
			b.Frames[i] = priv
		}
	}
	for i, f := range b.Frames {
		start := i * heap.PageSize
		if start >= len(data) {
			m.frames.Write(f, nil)
			continue
		}
		end := start + heap.PageSize
		if end > len(data) {
			end = len(data)
		}
		m.frames.Write(f, data[start:end])
	}
	return nil
}

var _ = log.G // keep containerd/log wired for callers that want a scoped logger; see core/syscall for annotated call sites.
