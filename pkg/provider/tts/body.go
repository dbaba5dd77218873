package tts

import (
	"context"
	"errors"
	"io"
	"sync"
)

// DefaultReadSize is the read size of a [BodyReader] when none is given.
const DefaultReadSize = 4096

// BodyReader adapts a streaming HTTP body (or any io.ReadCloser of raw
// PCM) to a [ChunkReader]. Each Next call performs one read. Odd trailing
// bytes are held back so chunks always contain whole 16-bit samples.
type BodyReader struct {
	body io.ReadCloser
	size int
	rest []byte

	closeOnce sync.Once
	closeErr  error
}

var _ ChunkReader = (*BodyReader)(nil)

// NewBodyReader wraps body. size <= 0 selects [DefaultReadSize].
func NewBodyReader(body io.ReadCloser, size int) *BodyReader {
	if size <= 0 {
		size = DefaultReadSize
	}
	return &BodyReader{body: body, size: size}
}

// Next reads the next piece of the body. A cancelled ctx closes the body so
// a blocked read returns.
func (r *BodyReader) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	for {
		buf := make([]byte, len(r.rest)+r.size)
		copy(buf, r.rest)
		n, err := r.body.Read(buf[len(r.rest):])
		buf = buf[:len(r.rest)+n]
		r.rest = nil

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, io.EOF) {
				if len(buf) >= 2 {
					return buf[:len(buf)&^1], nil
				}
				return nil, io.EOF
			}
			return nil, err
		}

		whole := len(buf) &^ 1
		if whole < len(buf) {
			r.rest = append([]byte(nil), buf[whole:]...)
		}
		if whole > 0 {
			return buf[:whole], nil
		}
	}
}

// Close closes the body once.
func (r *BodyReader) Close() error {
	r.closeOnce.Do(func() { r.closeErr = r.body.Close() })
	return r.closeErr
}
