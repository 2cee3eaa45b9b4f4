// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package config loads the shim's immutable configuration. Everything is
// read from the environment exactly once at startup and passed by value into
// the components that need it; there is no runtime reconfiguration.
//
// Log output configuration (SHIM_LOG_FILE, SHIM_LOG_LEVEL, DEBUG_SHIM) is
// owned by pkg/logger, which is constructed before configuration loading so
// load failures are still reported through it.
package config

import (
	"fmt"
	"os"

	"github.com/usvc-dev/lspshim/internal/pathmap"
)

const (
	HOST_ROOT      = "HOST_ROOT"      // Host-side project root, as the client sees the filesystem
	CONTAINER_ROOT = "CONTAINER_ROOT" // Container-side project root, as the wrapped server sees it

	DefaultHostRoot      = "/work/host"
	DefaultContainerRoot = "/work/container"
)

// Config is the shim's process-wide configuration. It is immutable after Load.
type Config struct {
	// Mapping is the canonicalized root prefix pair applied to every message.
	Mapping pathmap.RootMapping
}

// Load reads the configuration from the environment. Both roots are
// canonicalized here so prefix matching never fails on trailing-slash or
// symlink differences.
func Load() (Config, error) {
	hostRoot := envOrDefault(HOST_ROOT, DefaultHostRoot)
	containerRoot := envOrDefault(CONTAINER_ROOT, DefaultContainerRoot)

	mapping, mappingErr := pathmap.NewRootMapping(hostRoot, containerRoot)
	if mappingErr != nil {
		return Config{}, fmt.Errorf("invalid root mapping (%s=%q, %s=%q): %w",
			HOST_ROOT, hostRoot, CONTAINER_ROOT, containerRoot, mappingErr)
	}

	return Config{Mapping: mapping}, nil
}

func envOrDefault(name, fallback string) string {
	if value, found := os.LookupEnv(name); found && value != "" {
		return value
	}
	return fallback
}
