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

package kernel

import (
	"context"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is lilyd's top-level TOML configuration, decoded the way
// cmd/containerd/command's config loader decodes containerd's, minus
// the subconfig-import and version-migration machinery that daemon
// doesn't need for a single flat plugin set.
type Config struct {
	// Root is the directory lilyd's plugins may use for any on-disk
	// state (currently none require it, but the property is threaded
	// through InitContext the way containerd's is).
	Root string `toml:"root"`
	// InitImage is the path to the image file lilyd boots as aid 1.
	InitImage string `toml:"init_image"`
	// Privileged marks the boot image's automaton privileged. Only a
	// privileged automaton may request a privileged child, so exactly
	// one automaton must start privileged or no subtree ever can.
	Privileged bool `toml:"privileged"`
	// HeartbeatIRQLine, if non-negative, makes lilyd fire a synthetic
	// IRQ on that line at HeartbeatInterval, standing in for a real
	// platform's timer interrupt so a booted image can exercise
	// SubscribeIRQ without real hardware.
	HeartbeatIRQLine int `toml:"heartbeat_irq_line"`
	// HeartbeatIntervalMS is the heartbeat period in milliseconds.
	HeartbeatIntervalMS int `toml:"heartbeat_interval_ms"`
	// StatePath, if set, is a bbolt file lilyd snapshots the automaton
	// table into after boot, for lilyctl's inspect-state command.
	// Entirely optional; the running kernel never reads it back.
	StatePath string `toml:"state_path"`
	// Plugins holds each registration's decoded per-plugin config,
	// keyed by the registration's URI, the same shape containerd's
	// config.Decode produces for cmd/containerd/command.
	Plugins map[string]interface{} `toml:"plugins"`
	// DisabledPlugins lists registration IDs to exclude from the boot
	// graph, mirroring containerd's disabled_plugins.
	DisabledPlugins []string `toml:"disabled_plugins"`
}

// DefaultConfig returns the configuration lilyd runs with absent a
// config file on disk.
func DefaultConfig() *Config {
	return &Config{
		Root:                "/var/lib/lilyd",
		HeartbeatIRQLine:    -1,
		HeartbeatIntervalMS: 1000,
	}
}

// LoadConfig decodes path into cfg, leaving cfg's existing values in
// place for anything the file doesn't set. A missing path is returned
// as os.ReadFile's error, for which os.IsNotExist reports true.
func LoadConfig(ctx context.Context, path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decoding config %s: %w", path, err)
	}
	return nil
}
