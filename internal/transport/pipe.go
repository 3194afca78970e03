package transport

import "io"

// Pipe returns two connected in-memory transports. Closing one end ends the
// stream seen by the other.
func Pipe(opts ...Option) (*Stream, *Stream) {
	aReader, bWriter := io.Pipe()
	bReader, aWriter := io.Pipe()
	a := NewStream(aReader, aWriter, withExtra(opts, WithCloser(func() error {
		return aReader.CloseWithError(ErrClosed)
	}))...)
	b := NewStream(bReader, bWriter, withExtra(opts, WithCloser(func() error {
		return bReader.CloseWithError(ErrClosed)
	}))...)
	return a, b
}

func withExtra(opts []Option, extra Option) []Option {
	out := make([]Option, 0, len(opts)+1)
	out = append(out, opts...)
	return append(out, extra)
}
