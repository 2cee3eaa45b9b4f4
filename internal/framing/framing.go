// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package framing implements the Content-Length header framing used to
// delimit discrete JSON-RPC messages on a continuous byte stream:
//
//	Content-Length: <n>\r\n
//	\r\n
//	<n bytes of UTF-8 JSON>
//
// Additional headers are parsed and ignored. End-of-stream while waiting for
// a message is the normal peer-disconnect signal and is reported as io.EOF,
// distinct from *FramingError which indicates the stream is corrupt.
package framing

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/usvc-dev/lspshim/pkg/jsontext"
)

const contentLengthHeader = "content-length"

// FramingError indicates a malformed header or body. After a FramingError the
// stream position is no longer trustworthy and the connection should be
// abandoned.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("framing error: %s", e.Reason)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// IsFramingError reports whether err is (or wraps) a *FramingError.
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

// Conn reads and writes framed messages over a byte stream pair.
// It is not safe for concurrent use; each side of the proxy owns
// exactly one Conn.
type Conn struct {
	reader *bufio.Reader
	writer *bufio.Writer
}

// NewConn creates a Conn over the given reader and writer.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		reader: bufio.NewReader(r),
		writer: bufio.NewWriter(w),
	}
}

// NewStdioConn creates a Conn over the process's own stdin and stdout.
func NewStdioConn() *Conn {
	return NewConn(os.Stdin, os.Stdout)
}

// ReadMessage reads the next framed message from the stream.
// It returns io.EOF when the peer closed the stream, or a *FramingError when
// the headers or body are malformed. This method blocks until a complete
// message is available.
func (c *Conn) ReadMessage() (jsontext.Value, error) {
	headers, headerErr := c.readHeaders()
	if headerErr != nil {
		return jsontext.Value{}, headerErr
	}

	lengthText, found := headers[contentLengthHeader]
	if !found {
		return jsontext.Value{}, &FramingError{Reason: "missing Content-Length header"}
	}

	contentLength, parseErr := strconv.Atoi(lengthText)
	if parseErr != nil {
		return jsontext.Value{}, &FramingError{Reason: fmt.Sprintf("invalid Content-Length %q", lengthText), Err: parseErr}
	}
	if contentLength <= 0 {
		return jsontext.Value{}, &FramingError{Reason: fmt.Sprintf("invalid Content-Length %d", contentLength)}
	}

	body := make([]byte, contentLength)
	if _, readErr := io.ReadFull(c.reader, body); readErr != nil {
		// Normalize so a FramingError never satisfies errors.Is(err, io.EOF);
		// that signal is reserved for a clean peer disconnect.
		if errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			readErr = io.ErrUnexpectedEOF
		}
		return jsontext.Value{}, &FramingError{Reason: "short read of message body", Err: readErr}
	}

	msg, decodeErr := jsontext.Decode(body)
	if decodeErr != nil {
		return jsontext.Value{}, &FramingError{Reason: "message body is not valid JSON", Err: decodeErr}
	}

	return msg, nil
}

// readHeaders reads header lines up to and including the blank separator
// line. Keys are lower-cased and whitespace-trimmed.
func (c *Conn) readHeaders() (map[string]string, error) {
	headers := make(map[string]string)

	for {
		line, readErr := c.reader.ReadString('\n')
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if line == "" {
					// A zero-byte line read is the peer disconnecting, whether
					// between messages or after some header lines.
					return nil, io.EOF
				}
				readErr = io.ErrUnexpectedEOF
			}
			return nil, &FramingError{Reason: "stream ended inside message headers", Err: readErr}
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return headers, nil
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			// Tolerate malformed header lines the way the body parser cannot.
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
}

// WriteMessage serializes the message, frames it and flushes the stream so
// the peer observes it promptly.
func (c *Conn) WriteMessage(msg jsontext.Value) error {
	body, encodeErr := msg.Encode()
	if encodeErr != nil {
		return fmt.Errorf("failed to serialize message: %w", encodeErr)
	}

	if _, writeErr := fmt.Fprintf(c.writer, "Content-Length: %d\r\n\r\n", len(body)); writeErr != nil {
		return fmt.Errorf("failed to write message header: %w", writeErr)
	}
	if _, writeErr := c.writer.Write(body); writeErr != nil {
		return fmt.Errorf("failed to write message body: %w", writeErr)
	}
	if flushErr := c.writer.Flush(); flushErr != nil {
		return fmt.Errorf("failed to flush message: %w", flushErr)
	}

	return nil
}
