package rpc

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Stream moves whole JSON-RPC messages. Implementations must allow one
// concurrent reader and any number of concurrent writers.
type Stream interface {
	// Read returns the next message body.
	Read() ([]byte, error)
	// Write sends one message body.
	Write(data []byte) error
	// Close releases the underlying connection.
	Close() error
}

// FrameError reports a malformed frame. The stream remains usable and the
// reader may continue with the next frame.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "rpc: bad frame: " + e.Reason
}

// headerStream frames messages with LSP-style Content-Length headers.
type headerStream struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	mu sync.Mutex
}

// NewHeaderStream returns a Stream that frames messages with
// "Content-Length: N\r\n\r\n" headers. c may be nil.
func NewHeaderStream(r io.Reader, w io.Writer, c io.Closer) Stream {
	return &headerStream{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
		closer: c,
	}
}

func (s *headerStream) Read() ([]byte, error) {
	contentLength := -1
	sawHeader := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && (sawHeader || line != "") {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if !sawHeader {
				// Tolerate stray blank lines between frames.
				continue
			}
			break
		}
		sawHeader = true
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err == nil && n >= 0 {
				contentLength = n
			}
		}
		// Content-Type and other headers are ignored.
	}

	if contentLength < 0 {
		return nil, &FrameError{Reason: "missing Content-Length header"}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (s *headerStream) Write(data []byte) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := io.WriteString(s.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

func (s *headerStream) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
