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

package loader

import (
	"encoding/binary"

	"github.com/jrwilson/lily/core/action"
	"github.com/jrwilson/lily/pkg/heap"
)

// segSpec is a segment queued by AddSegment before Bytes lays out file
// offsets for its content.
type segSpec struct {
	vaddr   uint64
	msize   uint64
	perm    uint8
	content []byte
}

// Builder constructs a valid Lily image byte slice in-process. It is
// not part of the kernel's runtime surface — real images come from a
// toolchain outside this repository's scope — but it is the inverse
// of Parse, used by tests and by `lilyctl build-fixture` to produce
// images without a real compiler, the way containerd's test suites
// assemble OCI images in-process.
type Builder struct {
	segs    []segSpec
	actions []action.Entry
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// AddSegment queues a load segment whose file content is content (may
// be shorter than msize; the remainder is zero-fill at load time) to
// be placed at vaddr with the given permission bits. Offsets and
// alignment are computed by Bytes so the file/virtual congruence rule
// Parse enforces always holds.
func (b *Builder) AddSegment(vaddr uint64, msize uint64, perm uint8, content []byte) *Builder {
	b.segs = append(b.segs, segSpec{vaddr: vaddr, msize: msize, perm: perm, content: content})
	return b
}

// AddAction appends an action descriptor; ANO is assigned by catalog
// order and need not be set by the caller.
func (b *Builder) AddAction(e action.Entry) *Builder {
	b.actions = append(b.actions, e)
	return b
}

// Bytes assembles the preamble, segment table, lily action note
// section and segment content into a single valid image.
func (b *Builder) Bytes() []byte {
	var segTable []byte
	var actionTable []byte

	for _, e := range b.actions {
		nameBytes := append([]byte(e.Name), 0)
		descBytes := append([]byte(e.Desc), 0)
		var hdr [15]byte
		hdr[0] = byte(e.Compare)
		hdr[1] = byte(e.Kind)
		binary.LittleEndian.PutUint64(hdr[2:10], e.EntryPt)
		hdr[10] = byte(e.ParamMode)
		binary.LittleEndian.PutUint16(hdr[11:13], uint16(len(nameBytes)))
		binary.LittleEndian.PutUint16(hdr[13:15], uint16(len(descBytes)))
		actionTable = append(actionTable, hdr[:]...)
		actionTable = append(actionTable, nameBytes...)
		actionTable = append(actionTable, descBytes...)
	}

	headerLen := preambleSize + len(b.segs)*segmentSize + len(actionTable)
	// Content starts on the first page boundary after the header so
	// every segment's file offset can be made congruent to its vaddr
	// modulo the page size by padding alone.
	contentStart := align(uint64(headerLen), heap.PageSize)

	var content []byte
	offsets := make([]uint64, len(b.segs))
	cursor := contentStart
	for i, s := range b.segs {
		want := s.vaddr % heap.PageSize
		have := cursor % heap.PageSize
		if pad := (want - have + heap.PageSize) % heap.PageSize; pad != 0 {
			content = append(content, make([]byte, pad)...)
			cursor += pad
		}
		offsets[i] = cursor
		content = append(content, s.content...)
		cursor += uint64(len(s.content))
	}

	for i, s := range b.segs {
		var rec [segmentSize]byte
		binary.LittleEndian.PutUint64(rec[0:8], s.vaddr)
		binary.LittleEndian.PutUint64(rec[8:16], uint64(len(s.content)))
		binary.LittleEndian.PutUint64(rec[16:24], s.msize)
		binary.LittleEndian.PutUint64(rec[24:32], offsets[i])
		rec[32] = s.perm
		binary.LittleEndian.PutUint16(rec[34:36], uint16(heap.PageSize))
		segTable = append(segTable, rec[:]...)
	}

	var pre [preambleSize]byte
	copy(pre[0:4], Magic[:])
	pre[4] = classExpected
	pre[5] = endianExpected
	pre[6] = versionSupport
	pre[7] = objTypeExec
	binary.LittleEndian.PutUint16(pre[8:10], 1) // the one entry in KnownArches
	binary.LittleEndian.PutUint16(pre[10:12], uint16(len(b.segs)))
	binary.LittleEndian.PutUint16(pre[12:14], uint16(len(b.actions)))

	out := make([]byte, 0, int(contentStart)+len(content))
	out = append(out, pre[:]...)
	out = append(out, segTable...)
	out = append(out, actionTable...)
	if pad := int(contentStart) - len(out); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	out = append(out, content...)
	return out
}

func align(v, a uint64) uint64 {
	if v%a == 0 {
		return v
	}
	return v + (a - v%a)
}
