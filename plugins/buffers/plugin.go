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

package buffers

import (
	"github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jrwilson/lily/core/buffers"
	"github.com/jrwilson/lily/pkg/heap"
	"github.com/jrwilson/lily/plugins"
)

// Config bounds the control-block budget the OOM-during-delivery path
// exhausts; zero means unlimited.
type Config struct {
	MaxLiveBuffers int `toml:"max_live_buffers"`
}

func init() {
	registry.Register(&plugin.Registration{
		Type:     plugins.BufferPlugin,
		ID:       "buffers",
		Requires: []plugin.Type{plugins.HeapPlugin},
		Config:   &Config{},
		InitFn: func(ic *plugin.InitContext) (interface{}, error) {
			frames, err := ic.GetSingle(plugins.HeapPlugin)
			if err != nil {
				return nil, err
			}
			mgr := buffers.New(frames.(heap.Allocator), prometheus.DefaultRegisterer)
			if cfg, ok := ic.Config.(*Config); ok && cfg.MaxLiveBuffers > 0 {
				mgr.SetMaxLiveBuffers(cfg.MaxLiveBuffers)
			}
			return mgr, nil
		},
	})
}
