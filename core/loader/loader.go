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

// Package loader implements parsing a Lily executable image into
// load segments and an action catalog. The loader is pure with
// respect to kernel state — it only validates and reports;
// core/automaton installs what it returns.
package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/jrwilson/lily/core/action"
	"github.com/jrwilson/lily/core/errno"
	"github.com/jrwilson/lily/pkg/heap"
	"github.com/opencontainers/go-digest"
)

// Magic is the required 4-byte preamble magic of every Lily image.
var Magic = [4]byte{'L', 'I', 'L', 'Y'}

const (
	classExpected  = 1 // 32-bit
	endianExpected = 1 // little-endian
	versionSupport = 1
	objTypeExec    = 1

	preambleSize = 16
	segmentSize  = 40
)

// KnownArches enumerates the architectures this build's loader accepts.
// A single hosted pseudo-architecture stands in for the real kernel's
// x86 check.
var KnownArches = map[uint16]bool{1: true}

// KernelReservedBase is the start of the virtual address range the
// loader refuses to let a load segment touch; no segment may overlap
// the kernel's reserved virtual range.
const KernelReservedBase uint64 = 0xFFFF_0000_0000_0000

// Perm bits for a LoadSegment.
const (
	PermRead    uint8 = 1 << 0
	PermWrite   uint8 = 1 << 1
	PermExecute uint8 = 1 << 2
)

// LoadSegment is one contiguous region to be installed into a fresh
// address space at automaton creation time.
type LoadSegment struct {
	VAddr  uint64
	FSize  uint64
	MSize  uint64
	Offset uint64
	Perm   uint8
	Align  uint32
}

// Image is the parsed, validated result of Parse: load segments plus
// an ordered action catalog, and a digest of the preamble, segment
// table and action descriptors it was parsed from (segment contents are
// not covered), which core/syscall keys its program table by.
type Image struct {
	Segments []LoadSegment
	Actions  []action.Entry
	Digest   digest.Digest
}

// Parse validates img and returns its load segments and action
// catalog, or a BADTEXT error describing the first validation
// failure encountered.
func Parse(img []byte) (*Image, error) {
	if len(img) < preambleSize {
		return nil, errno.ErrBadText("image shorter than preamble (%d bytes)", len(img))
	}
	if [4]byte{img[0], img[1], img[2], img[3]} != Magic {
		return nil, errno.ErrBadText("bad magic")
	}
	class := img[4]
	endian := img[5]
	version := img[6]
	objType := img[7]
	arch := binary.LittleEndian.Uint16(img[8:10])
	numSegments := binary.LittleEndian.Uint16(img[10:12])
	numActions := binary.LittleEndian.Uint16(img[12:14])
	// img[14:16] reserved, must be zero for forward compatibility.
	if img[14] != 0 || img[15] != 0 {
		return nil, errno.ErrBadText("non-zero reserved preamble bytes")
	}

	if class != classExpected {
		return nil, errno.ErrBadText("unsupported class %d, want 32-bit", class)
	}
	if endian != endianExpected {
		return nil, errno.ErrBadText("unsupported endianness %d, want little-endian", endian)
	}
	if version != versionSupport {
		return nil, errno.ErrBadText("unsupported version %d", version)
	}
	if objType != objTypeExec {
		return nil, errno.ErrBadText("object type %d is not executable", objType)
	}
	if !KnownArches[arch] {
		return nil, errno.ErrBadText("unknown architecture %d", arch)
	}
	if numSegments == 0 {
		return nil, errno.ErrBadText("image has no load segments")
	}

	off := preambleSize
	segments := make([]LoadSegment, 0, numSegments)
	for i := uint16(0); i < numSegments; i++ {
		if off+segmentSize > len(img) {
			return nil, errno.ErrBadText("truncated segment table at entry %d", i)
		}
		seg, err := parseSegment(img[off : off+segmentSize])
		if err != nil {
			return nil, err
		}
		if err := validateSegment(seg, len(img)); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		segments = append(segments, seg)
		off += segmentSize
	}

	actions := make([]action.Entry, 0, numActions)
	for i := uint16(0); i < numActions; i++ {
		entry, next, err := parseActionDescriptor(img, off)
		if err != nil {
			return nil, fmt.Errorf("action descriptor %d: %w", i, err)
		}
		entry.ANO = int32(i)
		actions = append(actions, entry)
		off = next
	}

	return &Image{
		Segments: segments,
		Actions:  actions,
		// Digest covers only the preamble/segment/action region, not the
		// bytes past the last action descriptor (segment contents as
		// Builder lays them out, and any page padding) — two images
		// differing only past that point share a digest.
		Digest: digest.FromBytes(img[:off]),
	}, nil
}

// Segment wire layout (40 bytes, little-endian):
//
//	[0:8)   VAddr  uint64
//	[8:16)  FSize  uint64
//	[16:24) MSize  uint64
//	[24:32) Offset uint64
//	[32:33) Perm   uint8
//	[33:34) _      reserved
//	[34:36) Align  uint16
//	[36:40) _      reserved
func parseSegment(b []byte) (LoadSegment, error) {
	return LoadSegment{
		VAddr:  binary.LittleEndian.Uint64(b[0:8]),
		FSize:  binary.LittleEndian.Uint64(b[8:16]),
		MSize:  binary.LittleEndian.Uint64(b[16:24]),
		Offset: binary.LittleEndian.Uint64(b[24:32]),
		Perm:   b[32],
		Align:  uint32(binary.LittleEndian.Uint16(b[34:36])),
	}, nil
}

func validateSegment(seg LoadSegment, imgLen int) error {
	if seg.FSize > seg.MSize {
		return errno.ErrBadText("fsize %d exceeds msize %d", seg.FSize, seg.MSize)
	}
	if seg.Offset > uint64(imgLen) || seg.Offset+seg.FSize > uint64(imgLen) {
		return errno.ErrBadText("segment not fully contained in image (offset=%d fsize=%d image=%d)", seg.Offset, seg.FSize, imgLen)
	}
	if seg.Align != heap.PageSize {
		return errno.ErrBadText("alignment %d is not the page size %d", seg.Align, heap.PageSize)
	}
	if seg.VAddr%uint64(seg.Align) != seg.Offset%uint64(seg.Align) {
		return errno.ErrBadText("file and virtual offsets not congruent mod alignment")
	}
	if seg.Perm&(PermRead|PermWrite|PermExecute) == 0 {
		return errno.ErrBadText("segment has no permission bits set")
	}
	end := seg.VAddr + seg.MSize
	if end < seg.VAddr {
		return errno.ErrBadText("segment end overflows at vaddr 0x%x msize %d", seg.VAddr, seg.MSize)
	}
	if end > KernelReservedBase {
		return errno.ErrBadText("segment [0x%x, 0x%x) overlaps kernel reserved range", seg.VAddr, end)
	}
	return nil
}

func parseActionDescriptor(img []byte, off int) (action.Entry, int, error) {
	const fixed = 1 + 1 + 8 + 1 + 2 + 2 // compare, kind, entry, parammode, namesize, descsize
	if off+fixed > len(img) {
		return action.Entry{}, 0, errno.ErrBadText("truncated action descriptor header")
	}
	p := off
	compareMethod := img[p]
	p++
	actionType := img[p]
	p++
	entryPt := binary.LittleEndian.Uint64(img[p : p+8])
	p += 8
	paramMode := img[p]
	p++
	nameSize := int(binary.LittleEndian.Uint16(img[p : p+2]))
	p += 2
	descSize := int(binary.LittleEndian.Uint16(img[p : p+2]))
	p += 2

	if actionType > uint8(action.SystemInput) {
		return action.Entry{}, 0, errno.ErrBadText("action type %d out of range", actionType)
	}
	if paramMode > uint8(action.Auto) {
		return action.Entry{}, 0, errno.ErrBadText("param mode %d out of range", paramMode)
	}
	if compareMethod > uint8(action.CompareEqual) {
		return action.Entry{}, 0, errno.ErrBadText("compare method %d out of range", compareMethod)
	}
	if nameSize == 0 || descSize == 0 {
		return action.Entry{}, 0, errno.ErrBadText("zero-length name or description")
	}
	if p+nameSize+descSize > len(img) {
		return action.Entry{}, 0, errno.ErrBadText("truncated name/description fields")
	}

	nameBytes := img[p : p+nameSize]
	p += nameSize
	descBytes := img[p : p+descSize]
	p += descSize

	name, err := nulTerminated(nameBytes)
	if err != nil {
		return action.Entry{}, 0, fmt.Errorf("name: %w", err)
	}
	desc, err := nulTerminated(descBytes)
	if err != nil {
		return action.Entry{}, 0, fmt.Errorf("description: %w", err)
	}

	return action.Entry{
		Kind:      action.Kind(actionType),
		EntryPt:   entryPt,
		ParamMode: action.ParamMode(paramMode),
		Compare:   action.Compare(compareMethod),
		Name:      name,
		Desc:      desc,
	}, p, nil
}

// nulTerminated requires the last byte to be NUL and no interior NUL:
// string fields in an image are NUL-terminated.
func nulTerminated(b []byte) (string, error) {
	if len(b) == 0 || b[len(b)-1] != 0 {
		return "", errno.ErrBadText("field is not NUL-terminated")
	}
	for i := 0; i < len(b)-1; i++ {
		if b[i] == 0 {
			return "", errno.ErrBadText("field has an embedded NUL")
		}
	}
	return string(b[:len(b)-1]), nil
}
