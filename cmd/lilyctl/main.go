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

// lilyctl inspects Lily image files offline, the way cmd/ctr's
// "images inspect" subcommand works against stored image content,
// except Lily has no content store to query: lilyctl parses whatever
// file path is given directly with core/loader.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/jrwilson/lily/core/action"
	"github.com/jrwilson/lily/core/kernel"
	"github.com/jrwilson/lily/core/loader"
)

func main() {
	app := cli.NewApp()
	app.Name = "lilyctl"
	app.Usage = "inspect and build Lily image files"
	app.Commands = []*cli.Command{
		inspectCommand,
		buildFixtureCommand,
		inspectStateCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type actionView struct {
	ANO       int32  `json:"ano"`
	Kind      string `json:"kind"`
	ParamMode string `json:"param_mode"`
	Name      string `json:"name"`
	Desc      string `json:"desc"`
}

type segmentView struct {
	VAddr uint64 `json:"vaddr"`
	FSize uint64 `json:"fsize"`
	MSize uint64 `json:"msize"`
	Perm  uint8  `json:"perm"`
}

type imageView struct {
	Digest   string        `json:"digest"`
	Segments []segmentView `json:"segments"`
	Actions  []actionView  `json:"actions"`
}

var inspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "parse an image file and print its segment table and action catalog as JSON",
	ArgsUsage: "<path>",
	Action: func(cliCtx *cli.Context) error {
		path := cliCtx.Args().First()
		if path == "" {
			return fmt.Errorf("inspect requires a path argument")
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		img, err := loader.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		view := imageView{Digest: img.Digest.String()}
		for _, s := range img.Segments {
			view.Segments = append(view.Segments, segmentView{VAddr: s.VAddr, FSize: s.FSize, MSize: s.MSize, Perm: s.Perm})
		}
		for _, e := range img.Actions {
			view.Actions = append(view.Actions, actionView{ANO: e.ANO, Kind: e.Kind.String(), ParamMode: e.ParamMode.String(), Name: e.Name, Desc: e.Desc})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

var buildFixtureCommand = &cli.Command{
	Name:      "build-fixture",
	Usage:     "write a minimal single-action image file, for exercising a kernel build without a real toolchain",
	ArgsUsage: "<path>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "action-name", Value: "init", Usage: "name of the single action descriptor"},
		&cli.StringFlag{Name: "action-kind", Value: "system_input", Usage: "one of: input, output, internal, system_input"},
	},
	Action: func(cliCtx *cli.Context) error {
		path := cliCtx.Args().First()
		if path == "" {
			return fmt.Errorf("build-fixture requires a path argument")
		}
		kind, err := parseKind(cliCtx.String("action-kind"))
		if err != nil {
			return err
		}
		img := loader.NewBuilder().
			AddSegment(0, 4096, loader.PermRead|loader.PermExecute, nil).
			AddAction(action.Entry{
				Kind:      kind,
				EntryPt:   0x1000,
				ParamMode: action.None,
				Name:      cliCtx.String("action-name"),
				Desc:      "built by lilyctl build-fixture",
			}).
			Bytes()
		return os.WriteFile(path, img, 0o644)
	},
}

var inspectStateCommand = &cli.Command{
	Name:      "inspect-state",
	Usage:     "print the automaton records in a lilyd boot-time state snapshot",
	ArgsUsage: "<bbolt-path>",
	Action: func(cliCtx *cli.Context) error {
		path := cliCtx.Args().First()
		if path == "" {
			return fmt.Errorf("inspect-state requires a path argument")
		}
		store, err := kernel.OpenStateStore(path)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.ReadAll()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	},
}

func parseKind(s string) (action.Kind, error) {
	switch s {
	case "input":
		return action.Input, nil
	case "output":
		return action.Output, nil
	case "internal":
		return action.Internal, nil
	case "system_input":
		return action.SystemInput, nil
	default:
		return 0, fmt.Errorf("unknown action kind %q", s)
	}
}
