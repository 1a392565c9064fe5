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

// Package abi is the hosted stand-in for the Lily action ABI: on
// entry the user stack would hold, from top, return IP, parameter,
// then (for inputs) bda and bdb. Without a real ring-3 to enter, an
// action's entry point is a Go function value resolved from a
// per-image Program table (registered with core/syscall's
// Dispatcher.RegisterProgram), and the pushed
// arguments become a direct function call.
package abi

import "context"

// Func is an action's entry point. param is the action's fixed
// parameter; bufA and bufB are buffer ids (0 meaning "none") in the
// calling automaton's own buffer namespace, present for input and
// system_input actions and always zero for output and internal
// actions, mirroring the ABI's asymmetric stack shape.
type Func func(ctx context.Context, proc Proc, param int32, bufA, bufB int32)

// Program is the per-image table an action descriptor's EntryPt
// resolves against. It is supplied by whatever produced the image
// (a test, lilyd, or a real loader+linker in a non-hosted port) and
// installed into the automaton table at create time.
type Program map[uint64]Func

// Proc is the syscall surface bound to a single calling automaton.
// The scheduler constructs one per dispatch and passes it to the
// action Func in place of a trap into kernel mode. Every method here
// corresponds 1:1 to a kernel syscall; see core/syscall for the
// implementation and core/errno for how returned errors classify
// back onto the ABI's stable error codes.
type Proc interface {
	// Execution group.
	Schedule(ano int32, param int32) error
	Finish(nextANO int32, nextParam int32, outputFired bool, bufA, bufB int32)
	Exit()

	// Automata group.
	Create(textBD, bufA, bufB int32, name string, privileged bool) (int32, error)
	Bind(oaid, oano, op, iaid, iano, ip int32) (int32, error)
	Unbind(bid int32) error
	Destroy(aid int32) error
	Lookup(name string) (int32, error)
	Describe(aid int32) (int32, error)
	GetAID() int32
	GetInitA() int32
	GetInitB() int32
	GetMonotime() int64

	// Memory group.
	AdjustBreak(delta int64) (int64, error)

	// Buffers group.
	BufferCreate(pages int32) (int32, error)
	BufferCopy(bid int32) (int32, error)
	BufferDestroy(bid int32) error
	BufferSize(bid int32) (int32, error)
	BufferResize(bid int32, pages int32) error
	BufferAssign(dst, src int32) error
	BufferAppend(dst, src int32) (int32, error)
	BufferMap(bid int32) (int64, error)
	BufferUnmap(bid int32) error

	// Events group.
	SubscribeDestroyed(aid int32, ano int32) error
	UnsubscribeDestroyed(aid int32) error
	SubscribeIRQ(line int32, ano int32, param int32) error
	UnsubscribeIRQ(line int32) error
}
