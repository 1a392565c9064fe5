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

// lilyd boots the plugin graph, loads an image file as the first
// automaton, and runs the scheduler until interrupted. Grounded on
// cmd/ctr/app's cli.App construction and cmd/containerd's pattern of
// blank-importing every plugin package for its registration side
// effect; unlike cmd/containerd there is exactly one process mode, so
// no subcommand tree is needed beyond "run".
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/jrwilson/lily/core/kernel"
	"github.com/jrwilson/lily/core/loader"

	_ "github.com/jrwilson/lily/plugins/automaton"
	_ "github.com/jrwilson/lily/plugins/binding"
	_ "github.com/jrwilson/lily/plugins/buffers"
	_ "github.com/jrwilson/lily/plugins/heap"
	_ "github.com/jrwilson/lily/plugins/ids"
	_ "github.com/jrwilson/lily/plugins/machine"
	_ "github.com/jrwilson/lily/plugins/scheduler"
	_ "github.com/jrwilson/lily/plugins/sysevents"
	_ "github.com/jrwilson/lily/plugins/syscallsvc"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "lilyd"
	app.Usage = "boot a Lily microkernel image"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to a TOML config file", Value: "/etc/lilyd/config.toml"},
		&cli.StringFlag{Name: "image", Usage: "path to the image file to boot as automaton 1", Required: true},
		&cli.BoolFlag{Name: "privileged", Usage: "boot the image privileged"},
		&cli.StringFlag{Name: "metrics-address", Usage: "address to serve /metrics on, empty to disable"},
		&cli.StringFlag{Name: "state-path", Usage: "bbolt file to snapshot the automaton table into after boot, empty to disable"},
		&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
	}
	app.Action = run
	return app
}

func run(cliCtx *cli.Context) error {
	if cliCtx.Bool("debug") {
		if err := log.SetLevel("debug"); err != nil {
			return err
		}
	}
	ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := kernel.DefaultConfig()
	if path := cliCtx.String("config"); path != "" {
		if err := kernel.LoadConfig(ctx, path, cfg); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	cfg.InitImage = cliCtx.String("image")
	cfg.Privileged = cliCtx.Bool("privileged")
	if p := cliCtx.String("state-path"); p != "" {
		cfg.StatePath = p
	}

	k, err := kernel.Boot(ctx, cfg)
	if err != nil {
		return fmt.Errorf("booting kernel: %w", err)
	}
	log.G(ctx).WithField("session", k.SessionID).Info("kernel booted")

	raw, err := os.ReadFile(cfg.InitImage)
	if err != nil {
		return fmt.Errorf("reading init image: %w", err)
	}
	img, err := loader.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing init image: %w", err)
	}
	k.Dispatcher.RegisterProgram(img.Digest, nil)
	log.G(ctx).WithField("digest", img.Digest).Warn("no program registered for the boot image; every dispatched action will log as unresolved unless a lilyctl-built fixture or a future link step supplies one")

	if _, err := k.BootAutomaton("init", img.Actions, nil, cfg.Privileged); err != nil {
		return fmt.Errorf("installing boot automaton: %w", err)
	}

	if cfg.StatePath != "" {
		store, err := kernel.OpenStateStore(cfg.StatePath)
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		if err := store.Snapshot(k.Table); err != nil {
			store.Close()
			return fmt.Errorf("snapshotting boot state: %w", err)
		}
		if err := store.Close(); err != nil {
			return fmt.Errorf("closing state store: %w", err)
		}
		log.G(ctx).WithField("path", cfg.StatePath).Info("wrote boot-time state snapshot")
	}

	if addr := cliCtx.String("metrics-address"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.G(ctx).WithError(err).Error("metrics server exited")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	return k.Run(ctx)
}
