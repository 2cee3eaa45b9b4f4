// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/usvc-dev/lspshim/internal/config"
	"github.com/usvc-dev/lspshim/internal/framing"
	"github.com/usvc-dev/lspshim/internal/proxy"
	"github.com/usvc-dev/lspshim/internal/supervisor"
	"github.com/usvc-dev/lspshim/pkg/logger"
)

// defaultServerCommand is used when no server command is given on the
// command line.
var defaultServerCommand = []string{"pyright-langserver", "--stdio"}

// LaunchError wraps a failure to start the wrapped language server. There is
// no degraded mode without the server, so this is fatal to the process.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch language server: %v", e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// SetupError wraps a failure to assemble the shim's own environment, such as
// unusable root mappings, before any server was launched.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("invalid shim configuration: %v", e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

func NewRootCmd(log *logger.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		SilenceErrors: true,
		SilenceUsage:  true,
		Use:           "lspshim [flags] -- <server-command> [server-args...]",
		Short:         "Transparent path-translation proxy for containerized language servers",
		Long: `lspshim sits between an editor and a language server that operates against
a different filesystem root (typically inside a container), rewriting path
and file URI references inside protocol messages in both directions so that
neither side needs any path-mapping awareness.

The client speaks to lspshim over stdin/stdout using Content-Length framed
JSON-RPC. lspshim launches the given server command and bridges the two,
translating between the HOST_ROOT and CONTAINER_ROOT prefixes.`,
		RunE: runShim(log),
		Args: cobra.ArbitraryArgs,
	}

	log.AddLevelFlag(rootCmd.Flags())

	return rootCmd
}

func runShim(log *logger.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log := log.WithName("shim")

		cfg, cfgErr := config.Load()
		if cfgErr != nil {
			log.Error(cfgErr, "failed to load configuration")
			return &SetupError{Err: cfgErr}
		}

		serverCommand := args
		if len(serverCommand) == 0 {
			serverCommand = defaultServerCommand
		}

		server, launchErr := supervisor.Start(serverCommand[0], serverCommand[1:], supervisor.Options{
			Logger: log.Logger,
		})
		if launchErr != nil {
			log.Error(launchErr, "failed to launch language server", "command", serverCommand)
			return &LaunchError{Err: launchErr}
		}

		p := proxy.New(proxy.Config{
			Client:  framing.NewStdioConn(),
			Server:  framing.NewConn(server.Stdout(), server.Stdin()),
			Mapping: cfg.Mapping,
			Logger:  log.Logger,
		})

		ctx := cmd.Context()
		loopDone := make(chan error, 1)
		go func() {
			loopDone <- p.Run(ctx)
		}()

		var runErr error
		select {
		case runErr = <-loopDone:
		case <-ctx.Done():
			log.Info("Interrupt received, shutting down")
		}

		// Stream-level errors end the session but are not process failures:
		// the client observes the stream closing, nothing more.
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			log.Error(runErr, "proxy loop terminated")
		}

		if shutdownErr := server.Shutdown(); shutdownErr != nil {
			log.Error(shutdownErr, "error shutting down language server")
		}

		return nil
	}
}
