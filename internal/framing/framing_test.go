// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package framing

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usvc-dev/lspshim/pkg/jsontext"
)

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	conn := NewConn(&buf, &buf)

	msg, err := jsontext.Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"rootUri":"file:///work/host"}}`))
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(msg))

	got, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestWriteProducesExactFrame(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	conn := NewConn(strings.NewReader(""), &buf)

	msg := jsontext.ObjectValue(jsontext.Member{Key: "a", Value: jsontext.StringValue("b")})
	require.NoError(t, conn.WriteMessage(msg))

	body := `{"a":"b"}`
	expected := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
	assert.Equal(t, expected, buf.String())
}

func TestReadEndOfStream(t *testing.T) {
	t.Parallel()

	conn := NewConn(strings.NewReader(""), io.Discard)

	_, err := conn.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, IsFramingError(err), "clean disconnect is not a framing error")
}

func TestReadEndOfStreamBetweenMessages(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	conn := NewConn(&buf, &buf)

	msg := jsontext.ObjectValue(jsontext.Member{Key: "method", Value: jsontext.StringValue("exit")})
	require.NoError(t, conn.WriteMessage(msg))

	_, err := conn.ReadMessage()
	require.NoError(t, err)

	_, err = conn.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMissingContentLength(t *testing.T) {
	t.Parallel()

	conn := NewConn(strings.NewReader("Content-Type: application/json\r\n\r\n{}"), io.Discard)

	_, err := conn.ReadMessage()
	assert.True(t, IsFramingError(err), "expected framing error, got %v", err)
}

func TestReadZeroContentLength(t *testing.T) {
	t.Parallel()

	conn := NewConn(strings.NewReader("Content-Length: 0\r\n\r\n"), io.Discard)

	_, err := conn.ReadMessage()
	assert.True(t, IsFramingError(err), "expected framing error, got %v", err)
}

func TestReadEndOfStreamAfterHeaderLine(t *testing.T) {
	t.Parallel()

	conn := NewConn(strings.NewReader("Content-Length: 10\r\n"), io.Discard)

	_, err := conn.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, IsFramingError(err), "disconnect before the blank line is not a framing error")
}

func TestReadEndOfStreamMidHeaderLine(t *testing.T) {
	t.Parallel()

	conn := NewConn(strings.NewReader("Content-Length: 1"), io.Discard)

	_, err := conn.ReadMessage()
	require.True(t, IsFramingError(err), "expected framing error, got %v", err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestReadShortBody(t *testing.T) {
	t.Parallel()

	conn := NewConn(strings.NewReader("Content-Length: 100\r\n\r\n{\"a\":1}"), io.Discard)

	_, err := conn.ReadMessage()
	require.True(t, IsFramingError(err), "expected framing error, got %v", err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestReadMalformedBody(t *testing.T) {
	t.Parallel()

	body := "this is not json!!"
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
	conn := NewConn(strings.NewReader(frame), io.Discard)

	_, err := conn.ReadMessage()
	assert.True(t, IsFramingError(err), "expected framing error, got %v", err)
}

func TestReadIgnoresExtraHeaders(t *testing.T) {
	t.Parallel()

	body := `{"id":1}`
	frame := fmt.Sprintf("Content-Type: application/vscode-jsonrpc; charset=utf-8\r\ncontent-length:  %d \r\n\r\n%s", len(body), body)
	conn := NewConn(strings.NewReader(frame), io.Discard)

	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, msg.HasMember("id"))
}

func TestReadSequentialMessages(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writer := NewConn(strings.NewReader(""), &buf)

	for i := 0; i < 3; i++ {
		msg, err := jsontext.Decode([]byte(fmt.Sprintf(`{"id":%d}`, i)))
		require.NoError(t, err)
		require.NoError(t, writer.WriteMessage(msg))
	}

	reader := NewConn(&buf, io.Discard)
	for i := 0; i < 3; i++ {
		msg, err := reader.ReadMessage()
		require.NoError(t, err)
		id, found := msg.Member("id")
		require.True(t, found)
		n, _ := id.AsNumber()
		assert.Equal(t, fmt.Sprintf("%d", i), n.String())
	}

	_, err := reader.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}
