// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pathmap

import (
	"fmt"
	"path/filepath"
)

// Direction indicates which way a message is flowing through the proxy, and
// therefore which root is the "from" prefix of a rewrite pass.
type Direction int

const (
	// ToServer indicates a message flowing from the client to the wrapped
	// server: host paths become container paths.
	ToServer Direction = iota
	// ToClient indicates a message flowing from the wrapped server back to
	// the client: container paths become host paths.
	ToClient
)

// String returns a human-readable representation of the direction.
func (d Direction) String() string {
	switch d {
	case ToServer:
		return "to-server"
	case ToClient:
		return "to-client"
	default:
		return "unknown"
	}
}

// RootMapping is the pair of filesystem root prefixes between which all
// path-like values are translated. Both roots are canonicalized at
// construction so prefix matching is exact; the mapping is immutable for the
// process lifetime.
type RootMapping struct {
	hostRoot      string
	containerRoot string
}

// NewRootMapping canonicalizes both roots and returns the mapping.
// Relative roots are resolved against the working directory; symlinks are
// resolved when the path exists.
func NewRootMapping(hostRoot, containerRoot string) (RootMapping, error) {
	canonicalHost, hostErr := canonicalize(hostRoot)
	if hostErr != nil {
		return RootMapping{}, fmt.Errorf("invalid host root: %w", hostErr)
	}

	canonicalContainer, containerErr := canonicalize(containerRoot)
	if containerErr != nil {
		return RootMapping{}, fmt.Errorf("invalid container root: %w", containerErr)
	}

	return RootMapping{
		hostRoot:      canonicalHost,
		containerRoot: canonicalContainer,
	}, nil
}

// HostRoot returns the canonicalized host-side root prefix.
func (m RootMapping) HostRoot() string {
	return m.hostRoot
}

// ContainerRoot returns the canonicalized container-side root prefix.
func (m RootMapping) ContainerRoot() string {
	return m.containerRoot
}

// Prefixes returns the (from, to) prefix pair for a rewrite pass in the
// given direction.
func (m RootMapping) Prefixes(d Direction) (from string, to string) {
	if d == ToServer {
		return m.hostRoot, m.containerRoot
	}
	return m.containerRoot, m.hostRoot
}

// canonicalize normalizes a root prefix: absolute, cleaned (no trailing
// separator), with symlinks resolved when the path exists. A root that does
// not exist yet is still usable; it is cleaned but not resolved.
func canonicalize(root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("root path must not be empty")
	}

	abs, absErr := filepath.Abs(root)
	if absErr != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", root, absErr)
	}

	if resolved, resolveErr := filepath.EvalSymlinks(abs); resolveErr == nil {
		abs = resolved
	}

	return filepath.Clean(abs), nil
}
