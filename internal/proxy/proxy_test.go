// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package proxy

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usvc-dev/lspshim/internal/framing"
	"github.com/usvc-dev/lspshim/internal/pathmap"
	"github.com/usvc-dev/lspshim/pkg/jsontext"
)

// harness wires a Proxy to an in-memory client and server over pipes.
type harness struct {
	proxy *Proxy

	// client is the test's view of the client side of the proxy.
	client *framing.Conn
	// server is the test's view of the wrapped server.
	server *framing.Conn

	// clientWriter is the raw byte stream feeding the proxy's client input.
	clientWriter *io.PipeWriter
	// serverWriter is the raw byte stream feeding the proxy's server input.
	serverWriter *io.PipeWriter

	errCh chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mapping, err := pathmap.NewRootMapping("/work/host", "/work/container")
	require.NoError(t, err)

	clientToProxyR, clientToProxyW := io.Pipe()
	proxyToClientR, proxyToClientW := io.Pipe()
	proxyToServerR, proxyToServerW := io.Pipe()
	serverToProxyR, serverToProxyW := io.Pipe()

	h := &harness{
		client:       framing.NewConn(proxyToClientR, clientToProxyW),
		server:       framing.NewConn(proxyToServerR, serverToProxyW),
		clientWriter: clientToProxyW,
		serverWriter: serverToProxyW,
		errCh:        make(chan error, 1),
	}

	h.proxy = New(Config{
		Client:  framing.NewConn(clientToProxyR, proxyToClientW),
		Server:  framing.NewConn(serverToProxyR, proxyToServerW),
		Mapping: mapping,
	})

	t.Cleanup(func() {
		clientToProxyW.Close()
		serverToProxyW.Close()
		proxyToClientR.Close()
		proxyToServerR.Close()
	})

	return h
}

func (h *harness) start(ctx context.Context) {
	go func() {
		h.errCh <- h.proxy.Run(ctx)
	}()
}

func (h *harness) waitForStop(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("proxy loop did not stop")
		return nil
	}
}

func decode(t *testing.T, data string) jsontext.Value {
	t.Helper()
	v, err := jsontext.Decode([]byte(data))
	require.NoError(t, err)
	return v
}

func encoded(t *testing.T, v jsontext.Value) string {
	t.Helper()
	data, err := v.Encode()
	require.NoError(t, err)
	return string(data)
}

func TestRequestResponseRewrittenBothWays(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(context.Background())

	serverResponse := decode(t,
		`{"jsonrpc":"2.0","id":1,"result":{"uri":"file:///work/container/src/a.py"}}`)

	// Fake server: expect the rewritten request, answer with a container path.
	go func() {
		msg, readErr := h.server.ReadMessage()
		if readErr != nil {
			return
		}
		uri, _ := msg.Member("rootUri")
		s, _ := uri.AsString()
		if s != "file:///work/container" {
			// Deliver something recognizably wrong so the assertion below fails
			_ = h.server.WriteMessage(jsontext.StringValue("unexpected rootUri: " + s))
			return
		}
		_ = h.server.WriteMessage(serverResponse)
	}()

	require.NoError(t, h.client.WriteMessage(decode(t,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","rootUri":"file:///work/host"}`)))

	response, err := h.client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t,
		`{"jsonrpc":"2.0","id":1,"result":{"uri":"file:///work/host/src/a.py"}}`,
		encoded(t, response))

	// Client disconnect ends the loop normally.
	h.clientWriter.Close()
	assert.NoError(t, h.waitForStop(t))
}

func TestNotificationDoesNotWaitForResponse(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(context.Background())

	received := make(chan jsontext.Value, 2)
	go func() {
		for {
			msg, readErr := h.server.ReadMessage()
			if readErr != nil {
				return
			}
			received <- msg
		}
	}()

	// Two notifications in a row; the loop must not block between them even
	// though the server never answers.
	require.NoError(t, h.client.WriteMessage(decode(t,
		`{"jsonrpc":"2.0","method":"textDocument/didOpen","params":{"textDocument":{"uri":"file:///work/host/a.py"}}}`)))
	require.NoError(t, h.client.WriteMessage(decode(t,
		`{"jsonrpc":"2.0","method":"textDocument/didSave","params":{"textDocument":{"uri":"file:///work/host/a.py"}}}`)))

	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			assert.Contains(t, encoded(t, msg), "file:///work/container/a.py")
		case <-time.After(10 * time.Second):
			t.Fatal("notification was not forwarded")
		}
	}

	h.clientWriter.Close()
	assert.NoError(t, h.waitForStop(t))
}

func TestServerEOFWhileResponsePending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(context.Background())

	go func() {
		// Consume the request, then die without responding.
		_, _ = h.server.ReadMessage()
		h.serverWriter.Close()
	}()

	require.NoError(t, h.client.WriteMessage(decode(t,
		`{"jsonrpc":"2.0","id":1,"method":"shutdown"}`)))

	err := h.waitForStop(t)
	assert.ErrorIs(t, err, ErrServerDisconnected)
}

func TestClientFramingErrorAbortsLoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(context.Background())

	// A header block with no Content-Length leaves the stream untrustworthy.
	_, err := h.clientWriter.Write([]byte("Garbage-Header: yes\r\n\r\n"))
	require.NoError(t, err)
	h.clientWriter.Close()

	stopErr := h.waitForStop(t)
	require.Error(t, stopErr)
	assert.True(t, framing.IsFramingError(stopErr), "expected framing error, got %v", stopErr)
}

func TestCancellationStopsLoopBetweenIterations(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx)

	cancel()

	// Unblock the pending client read; cancellation is observed between
	// iterations, end-of-stream here must still stop the loop cleanly.
	h.clientWriter.Close()

	assert.NoError(t, h.waitForStop(t))
}

func TestCorrelationIdentifierValueIsOpaque(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(context.Background())

	go func() {
		msg, readErr := h.server.ReadMessage()
		if readErr != nil {
			return
		}
		// Echo the id back untouched
		id, _ := msg.Member("id")
		_ = h.server.WriteMessage(jsontext.ObjectValue(
			jsontext.Member{Key: "jsonrpc", Value: jsontext.StringValue("2.0")},
			jsontext.Member{Key: "id", Value: id},
			jsontext.Member{Key: "result", Value: jsontext.NullValue()},
		))
	}()

	// A string id that happens to look like a host path must not be treated
	// as correlation data to rewrite.
	require.NoError(t, h.client.WriteMessage(decode(t,
		`{"jsonrpc":"2.0","id":"req-1","method":"shutdown"}`)))

	response, err := h.client.ReadMessage()
	require.NoError(t, err)
	id, found := response.Member("id")
	require.True(t, found)
	s, _ := id.AsString()
	assert.Equal(t, "req-1", s)

	h.clientWriter.Close()
	assert.NoError(t, h.waitForStop(t))
}
