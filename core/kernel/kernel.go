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

// Package kernel assembles every core package into a running
// microkernel. It walks the plugin.Registration graph the way
// cmd/containerd/command drives registry.Graph, building each
// registration after the registrations its Requires edges name. Callers
// (cmd/lilyd, tests) blank-import the packages under plugins/ to
// populate the registry before calling Boot.
package kernel

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/containerd/log"
	"github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jrwilson/lily/core/action"
	"github.com/jrwilson/lily/core/automaton"
	"github.com/jrwilson/lily/core/buffers"
	"github.com/jrwilson/lily/core/errno"
	"github.com/jrwilson/lily/core/scheduler"
	"github.com/jrwilson/lily/core/syscall"
	"github.com/jrwilson/lily/pkg/abi"
	"github.com/jrwilson/lily/pkg/machine"
	"github.com/jrwilson/lily/plugins"
)

// Kernel is the booted plugin graph: every subsystem instance plus the
// two handles cmd/lilyd actually drives, the scheduler and the
// dispatcher.
type Kernel struct {
	SessionID  string
	Table      *automaton.Table
	Buffers    *buffers.Manager
	Dispatcher *syscall.Dispatcher
	Scheduler  *scheduler.Scheduler
	Machine    *machine.Hosted

	cfg *Config
}

// disabledFilter returns a plugin.DisableFilter-shaped predicate
// excluding any registration whose ID appears in ids, mirroring
// containerd's config.DisabledPlugins handling in
// cmd/containerd/command/config.go.
func disabledFilter(ids []string) func(*plugin.Registration) bool {
	return func(r *plugin.Registration) bool {
		return slices.Contains(ids, r.ID)
	}
}

// Boot walks the registered plugin graph and constructs every core
// component, in the order registry.Graph resolves from each
// registration's Requires edges. It returns once every non-disabled
// registration has initialized successfully.
func Boot(ctx context.Context, cfg *Config) (*Kernel, error) {
	sessionID := uuid.NewString()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("session", sessionID))

	set := plugin.NewPluginSet()
	for _, reg := range registry.Graph(disabledFilter(cfg.DisabledPlugins)) {
		ic := plugin.NewContext(ctx, set, cfg.Root, cfg.Root)
		ic.Properties[plugins.PropertyRootDir] = cfg.Root
		if pc, ok := cfg.Plugins[reg.URI()]; ok {
			ic.Config = pc
		} else {
			ic.Config = reg.Config
		}

		p := reg.Init(ic)
		if err := set.Add(p); err != nil {
			return nil, fmt.Errorf("adding plugin %s to set: %w", reg.URI(), err)
		}
		if _, err := p.Instance(); err != nil {
			return nil, fmt.Errorf("initializing plugin %s: %w", reg.URI(), err)
		}
		log.G(ctx).WithField("plugin", reg.URI()).Debug("plugin initialized")
	}

	table, err := set.Get(plugins.AutomatonPlugin)
	if err != nil {
		return nil, err
	}
	bufs, err := set.Get(plugins.BufferPlugin)
	if err != nil {
		return nil, err
	}
	disp, err := set.Get(plugins.SyscallPlugin)
	if err != nil {
		return nil, err
	}
	sched, err := set.Get(plugins.SchedulerPlugin)
	if err != nil {
		return nil, err
	}
	mach, err := set.Get(plugins.MachinePlugin)
	if err != nil {
		return nil, err
	}

	return &Kernel{
		SessionID:  sessionID,
		Table:      table.(*automaton.Table),
		Buffers:    bufs.(*buffers.Manager),
		Dispatcher: disp.(*syscall.Dispatcher),
		Scheduler:  sched.(*scheduler.Scheduler),
		Machine:    mach.(*machine.Hosted),
		cfg:        cfg,
	}, nil
}

// BootAutomaton installs a root automaton as aid 1, privileged when
// privileged is set, directly into the table (bypassing create, which
// needs an already-live caller) and
// schedules its `init` system_input if the catalog declares one, the
// same bootstrapping step a real platform's loader performs for the
// first automaton before any automaton exists to call create on its
// behalf.
func (k *Kernel) BootAutomaton(name string, catalog []action.Entry, program abi.Program, privileged bool) (int32, error) {
	a, err := k.Table.Insert(automaton.CreateParams{
		AID:        1,
		Name:       name,
		Catalog:    catalog,
		Program:    program,
		Privileged: privileged,
		Parent:     automaton.NoParent,
	})
	if err != nil {
		return 0, errno.ErrAlready("boot automaton: %v", err)
	}
	k.Buffers.AdoptOwner(a.AID)
	if entry, ok := a.ActionByName("init"); ok {
		k.Scheduler.Enqueue(a.AID, entry.ANO, 0, 0, 0)
	}
	return a.AID, nil
}

// Run drives the scheduler's cooperative run loop and, if configured,
// a heartbeat goroutine firing a synthetic timer IRQ — the scheduler
// and the platform's interrupt source are the only two sources of
// concurrency in the process. Run blocks until ctx is canceled or
// either goroutine returns an error.
func (k *Kernel) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return k.Scheduler.Run(ctx)
	})
	if k.cfg.HeartbeatIRQLine >= 0 {
		interval := time.Duration(k.cfg.HeartbeatIntervalMS) * time.Millisecond
		if interval <= 0 {
			interval = time.Second
		}
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					k.Machine.Fire(ctx, k.cfg.HeartbeatIRQLine)
				}
			}
		})
	}
	return g.Wait()
}
