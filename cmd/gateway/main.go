// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Command gateway runs the Kilo API gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kilo-project/kilo-gateway/cmd/gateway/mainlib"
	"github.com/kilo-project/kilo-gateway/internal/version"
)

type (
	// cmd corresponds to the top-level `gateway` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command that runs the gateway.
		Run cmdRun `cmd:"" help:"Run the gateway."`
		// Healthcheck is the sub-command to check if a running gateway is healthy.
		Healthcheck struct{} `cmd:"" help:"Docker HEALTHCHECK command."`
	}
	// cmdRun corresponds to `gateway run`.
	cmdRun struct {
		Debug  bool   `help:"Enable debug logging emitted to stderr."`
		Config string `arg:"" name:"config" optional:"" help:"Path to the YAML route configuration file. Routes may also come entirely from GATEWAY_BACKEND_<NAME>_URL variables." type:"path"`
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit)
}

// doMain parses the command line and executes the selected sub-command. It
// is separated from main and takes the exit function so tests can cover the
// exit code mapping.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exit func(int)) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("gateway"),
		kong.Description("Kilo API gateway: reverse proxy and admission controller for the Kilo backend services."),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		panic(err)
	}
	parsed, err := parser.Parse(args)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		exit(1)
		return
	}

	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "gateway version: %s\n", version.Parse())
		exit(0)
	case "healthcheck":
		if err := mainlib.Healthcheck(ctx, stdout); err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			exit(1)
			return
		}
		exit(0)
	default: // "run" and "run <config>".
		err := mainlib.Run(ctx, mainlib.Options{ConfigPath: c.Run.Config, Debug: c.Run.Debug}, stderr)
		switch {
		case err == nil:
			exit(0)
		case errors.Is(err, mainlib.ErrTokenStore):
			_, _ = fmt.Fprintln(stderr, err)
			exit(2)
		default:
			_, _ = fmt.Fprintln(stderr, err)
			exit(1)
		}
	}
}
