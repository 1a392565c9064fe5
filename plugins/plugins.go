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

// Package plugins declares the plugin.Type values and InitContext
// property keys every registration under plugins/ and core/kernel
// shares. Kept separate from core/kernel so a plugin package can
// depend on the type vocabulary without depending on the boot graph
// that consumes it.
package plugins

import "github.com/containerd/plugin"

const (
	// IDPlugin builds the automaton id allocator.
	IDPlugin plugin.Type = "io.lily.ids.v1"
	// HeapPlugin builds the frame allocator core/buffers allocates from.
	HeapPlugin plugin.Type = "io.lily.heap.v1"
	// MachinePlugin builds the address-space and IRQ-source handle
	// every automaton's image is loaded against.
	MachinePlugin plugin.Type = "io.lily.machine.v1"
	// BufferPlugin builds the copy-on-write buffer manager.
	BufferPlugin plugin.Type = "io.lily.buffers.v1"
	// AutomatonPlugin builds the automaton table.
	AutomatonPlugin plugin.Type = "io.lily.automaton.v1"
	// BindingPlugin builds the binding graph.
	BindingPlugin plugin.Type = "io.lily.binding.v1"
	// EventsPlugin builds the destroyed/irq subscription registry.
	EventsPlugin plugin.Type = "io.lily.sysevents.v1"
	// SchedulerPlugin builds the scheduler.
	SchedulerPlugin plugin.Type = "io.lily.scheduler.v1"
	// SyscallPlugin builds the syscall dispatcher; the scheduler plugin
	// binds a scheduler to it afterwards.
	SyscallPlugin plugin.Type = "io.lily.syscall.v1"
)

// Property keys set on plugin.InitContext.Properties by core/kernel
// before walking the registration graph.
const (
	// PropertyRootDir carries Config.Root, the daemon's state
	// directory. No registration currently reads or writes it.
	PropertyRootDir = "io.lily.root"
)
