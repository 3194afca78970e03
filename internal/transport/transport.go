package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

const DefaultMaxMessageBytes = 8 << 20

var (
	ErrClosed          = errors.New("transport closed")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// Transport moves newline-delimited messages over a byte stream.
//
// Receive returns one complete frame without its newline. When the stream
// ends it returns a terminal error (io.EOF, ErrClosed or the OS error) and
// keeps returning that same error on every later call. ErrMessageTooLarge is
// not terminal: the oversized frame is discarded and the stream continues.
type Transport interface {
	Send(msg []byte) error
	Receive() ([]byte, error)
	Close() error
}

type Option func(*Stream)

// WithMaxMessageBytes bounds the size of a single inbound frame.
func WithMaxMessageBytes(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.max = n
		}
	}
}

// WithCloser runs fn once when the stream is closed, after the writer.
func WithCloser(fn func() error) Option {
	return func(s *Stream) {
		s.closer = fn
	}
}

// Stream is a Transport over an arbitrary reader/writer pair, such as a
// subprocess's stdout/stdin or an SSH session channel.
type Stream struct {
	r      *bufio.Reader
	w      io.WriteCloser
	closer func() error
	max    int

	readMu   sync.Mutex
	terminal error

	writeMu sync.Mutex
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

func NewStream(r io.Reader, w io.WriteCloser, opts ...Option) *Stream {
	s := &Stream{
		r:   bufio.NewReaderSize(r, 64*1024),
		w:   w,
		max: DefaultMaxMessageBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Stream) Send(msg []byte) error {
	if bytes.IndexByte(msg, '\n') >= 0 {
		return errors.New("message contains a newline")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	frame := make([]byte, 0, len(msg)+1)
	frame = append(frame, msg...)
	frame = append(frame, '\n')
	if _, err := s.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (s *Stream) Receive() ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for {
		if s.terminal != nil {
			return nil, s.terminal
		}
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				return nil, err
			}
			s.terminal = s.terminalError(err)
			if len(line) > 0 {
				return line, nil
			}
			return nil, s.terminal
		}
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		s.writeMu.Unlock()
		errs := []error{}
		if s.w != nil {
			if err := s.w.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.closer != nil {
			if err := s.closer(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Stream) isClosed() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.closed
}

func (s *Stream) terminalError(err error) error {
	if s.isClosed() && !errors.Is(err, io.EOF) {
		return ErrClosed
	}
	return err
}

// readLine returns the next frame with its line ending stripped. A final
// unterminated frame is returned together with the terminal error.
func (s *Stream) readLine() ([]byte, error) {
	var line []byte
	tooLarge := false
	for {
		chunk, err := s.r.ReadSlice('\n')
		if !tooLarge {
			line = append(line, chunk...)
			if len(line) > s.max+2 {
				tooLarge = true
				line = nil
			}
		}
		switch {
		case err == nil:
			line = trimLineEnding(line)
			if tooLarge || len(line) > s.max {
				return nil, ErrMessageTooLarge
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if tooLarge {
				return nil, err
			}
			line = trimLineEnding(line)
			if len(line) > s.max {
				return nil, err
			}
			return line, err
		}
	}
}

func trimLineEnding(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}
