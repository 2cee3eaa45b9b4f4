/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/usvc-dev/lspshim/internal/commands"
	"github.com/usvc-dev/lspshim/pkg/logger"
)

const (
	errCommand = 1
	errSetup   = 2
)

func main() {
	log := logger.New("lspshim").WithName("lspshim")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := commands.NewRootCmd(log)

	err := root.ExecuteContext(ctx)
	log.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		var setupErr *commands.SetupError
		if errors.As(err, &setupErr) {
			os.Exit(errSetup)
		}
		os.Exit(errCommand)
	}
}
