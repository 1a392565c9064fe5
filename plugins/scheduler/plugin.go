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

package scheduler

import (
	"github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jrwilson/lily/core/automaton"
	"github.com/jrwilson/lily/core/binding"
	"github.com/jrwilson/lily/core/buffers"
	"github.com/jrwilson/lily/core/scheduler"
	"github.com/jrwilson/lily/core/sysevents"
	"github.com/jrwilson/lily/core/syscall"
	"github.com/jrwilson/lily/pkg/machine"
	"github.com/jrwilson/lily/plugins"
)

func init() {
	registry.Register(&plugin.Registration{
		Type: plugins.SchedulerPlugin,
		ID:   "scheduler",
		Requires: []plugin.Type{
			plugins.AutomatonPlugin,
			plugins.BindingPlugin,
			plugins.BufferPlugin,
			plugins.EventsPlugin,
			plugins.MachinePlugin,
			plugins.SyscallPlugin,
		},
		InitFn: func(ic *plugin.InitContext) (interface{}, error) {
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
			disp, err := ic.GetSingle(plugins.SyscallPlugin)
			if err != nil {
				return nil, err
			}
			d := disp.(*syscall.Dispatcher)

			sched := scheduler.New(scheduler.Deps{
				Table:     table.(*automaton.Table),
				Bindings:  binds.(*binding.Graph),
				BufferMgr: bufs.(*buffers.Manager),
				Events:    events.(*sysevents.Registry),
				Machine:   mach.(machine.Machine),
				NewProc:   d.NewProc,
			}, prometheus.DefaultRegisterer)

			// Closes the Dispatcher/Scheduler construction cycle core/syscall's
			// package doc describes: the dispatcher was built without a
			// scheduler so this plugin could hand it one after the fact.
			d.SetScheduler(sched)
			return sched, nil
		},
	})
}
