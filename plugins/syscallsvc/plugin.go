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

// Package syscallsvc registers the syscall dispatcher. It is
// deliberately built without a Scheduler: the scheduler plugin depends
// on this one (to get the dispatcher's NewProc closure), not the
// other way around, and wires the Scheduler back in with
// Dispatcher.SetScheduler once it has built one. See core/syscall's
// package doc for why the two can't be constructed in a single step.
package syscallsvc

import (
	"github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jrwilson/lily/core/automaton"
	"github.com/jrwilson/lily/core/binding"
	"github.com/jrwilson/lily/core/buffers"
	"github.com/jrwilson/lily/core/ids"
	"github.com/jrwilson/lily/core/sysevents"
	"github.com/jrwilson/lily/core/syscall"
	"github.com/jrwilson/lily/pkg/machine"
	"github.com/jrwilson/lily/plugins"
)

func init() {
	registry.Register(&plugin.Registration{
		Type: plugins.SyscallPlugin,
		ID:   "syscall",
		Requires: []plugin.Type{
			plugins.IDPlugin,
			plugins.AutomatonPlugin,
			plugins.BindingPlugin,
			plugins.BufferPlugin,
			plugins.EventsPlugin,
			plugins.MachinePlugin,
		},
		InitFn: func(ic *plugin.InitContext) (interface{}, error) {
			aids, err := ic.GetSingle(plugins.IDPlugin)
			if err != nil {
				return nil, err
			}
			table, err := ic.GetSingle(plugins.AutomatonPlugin)
			if err != nil {
				return nil, err
			}
			binds, err := ic.GetSingle(plugins.BindingPlugin)
			if err != nil {
				return nil, err
			}
			bufs, err := ic.GetSingle(plugins.BufferPlugin)
			if err != nil {
				return nil, err
			}
			events, err := ic.GetSingle(plugins.EventsPlugin)
			if err != nil {
				return nil, err
			}
			mach, err := ic.GetSingle(plugins.MachinePlugin)
			if err != nil {
				return nil, err
			}
			return syscall.New(
				aids.(*ids.Allocator),
				table.(*automaton.Table),
				binds.(*binding.Graph),
				bufs.(*buffers.Manager),
				events.(*sysevents.Registry),
				mach.(machine.Machine),
				prometheus.DefaultRegisterer,
			), nil
		},
	})
}
