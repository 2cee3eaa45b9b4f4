// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package proxy implements the message loop between the client and the
// wrapped language server: each client message is rewritten for the server's
// filesystem view and forwarded; if it was a request, the paired response is
// read back, rewritten for the client's view and returned.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/usvc-dev/lspshim/internal/framing"
	"github.com/usvc-dev/lspshim/internal/pathmap"
	"github.com/usvc-dev/lspshim/pkg/jsontext"
)

// correlationKey is the member whose presence marks a message as a request
// expecting exactly one response. Its value is opaque to the proxy and is
// never rewritten.
const correlationKey = "id"

// ErrServerDisconnected is returned when the server's output stream ends
// while a response is still pending.
var ErrServerDisconnected = errors.New("language server closed its output stream while a response was pending")

// Config contains the collaborators for a Proxy.
type Config struct {
	// Client carries framed messages to and from the client.
	Client *framing.Conn

	// Server carries framed messages to and from the wrapped server.
	Server *framing.Conn

	// Mapping is the immutable root mapping applied on both legs.
	Mapping pathmap.RootMapping

	// Logger is the logger for the proxy. If unset, logging is disabled.
	Logger logr.Logger
}

// Proxy pairs each client request with exactly one server response, applying
// the path rewrite in both directions.
type Proxy struct {
	client  *framing.Conn
	server  *framing.Conn
	mapping pathmap.RootMapping
	log     logr.Logger
}

// New creates a Proxy from the given configuration.
func New(config Config) *Proxy {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Proxy{
		client:  config.Client,
		server:  config.Server,
		mapping: config.Mapping,
		log:     log,
	}
}

// Run executes the proxy loop until the client disconnects, a stream becomes
// untrustworthy, or ctx is cancelled between iterations. A nil return means
// the client ended the session normally; any error means the loop aborted
// and the caller should shut the server down.
//
// The loop is single-threaded with at most one request in flight: after
// forwarding a request it assumes the very next message on the server's
// output is that request's response. A server that emits unsolicited
// notifications between a request and its response will have them consumed
// as the response; the wrapped server must not interleave.
func (p *Proxy) Run(ctx context.Context) error {
	p.log.Info("Proxy loop starting",
		"hostRoot", p.mapping.HostRoot(),
		"containerRoot", p.mapping.ContainerRoot())

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Proxy loop stopping due to cancellation")
			return nil
		default:
		}

		msg, readErr := p.client.ReadMessage()
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				p.log.Info("Client disconnected")
				return nil
			}
			return fmt.Errorf("failed to read client message: %w", readErr)
		}

		method := methodName(msg)
		isRequest := msg.HasMember(correlationKey)

		rewritten := p.mapping.RewriteMessage(msg, pathmap.ToServer)
		if writeErr := p.server.WriteMessage(rewritten); writeErr != nil {
			return fmt.Errorf("failed to forward message to server: %w", writeErr)
		}

		p.log.V(1).Info("Forwarded message to server",
			"method", method,
			"direction", pathmap.ToServer,
			"request", isRequest)

		if !isRequest {
			// Notification: fire-and-forget, nothing to pair.
			continue
		}

		response, responseErr := p.server.ReadMessage()
		if responseErr != nil {
			if errors.Is(responseErr, io.EOF) {
				p.log.Info("Server disconnected while a response was pending", "method", method)
				return ErrServerDisconnected
			}
			return fmt.Errorf("failed to read server response: %w", responseErr)
		}

		rewrittenResponse := p.mapping.RewriteMessage(response, pathmap.ToClient)
		if writeErr := p.client.WriteMessage(rewrittenResponse); writeErr != nil {
			return fmt.Errorf("failed to forward response to client: %w", writeErr)
		}

		p.log.V(1).Info("Forwarded response to client",
			"method", method,
			"direction", pathmap.ToClient)
	}
}

// methodName extracts the method member for logging, or "" when absent.
// Message bodies are never logged at this level.
func methodName(msg jsontext.Value) string {
	member, found := msg.Member("method")
	if !found {
		return ""
	}
	s, _ := member.AsString()
	return s
}
