package blobstore

import (
	"context"
	"io"
	"sync"
)

// PartStream is a pull-based sequence of parts. Recv returns io.EOF after the last part.
// The producer stops when the consumer's context ends or Close is called.
type PartStream struct {
	parts <-chan FilePart
	errc  <-chan error
	stop  context.CancelFunc

	once sync.Once
	err  error
}

// Producer fills a stream. It must return when ctx is done.
type Producer func(ctx context.Context, emit func(FilePart) error) error

// NewPartStream runs produce in its own goroutine. The channel is unbuffered so the
// producer advances only as fast as the consumer pulls.
func NewPartStream(ctx context.Context, produce Producer) *PartStream {
	ctx, cancel := context.WithCancel(ctx)
	parts := make(chan FilePart)
	errc := make(chan error, 1)
	go func() {
		defer close(parts)
		emit := func(p FilePart) error {
			select {
			case parts <- p:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		errc <- produce(ctx, emit)
	}()
	return &PartStream{parts: parts, errc: errc, stop: cancel}
}

// StreamOf returns a stream over a fixed slice of parts.
func StreamOf(ctx context.Context, parts ...FilePart) *PartStream {
	return NewPartStream(ctx, func(_ context.Context, emit func(FilePart) error) error {
		for _, p := range parts {
			if err := emit(p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recv returns the next part, io.EOF when the stream is exhausted, or the producer's error.
func (s *PartStream) Recv(ctx context.Context) (FilePart, error) {
	if err := ctx.Err(); err != nil {
		s.Close()
		return FilePart{}, err
	}
	select {
	case part, ok := <-s.parts:
		if ok {
			return part, nil
		}
		if err := s.finish(); err != nil {
			return FilePart{}, err
		}
		return FilePart{}, io.EOF
	case <-ctx.Done():
		s.Close()
		return FilePart{}, ctx.Err()
	}
}

// Close stops the producer and releases its goroutine.
func (s *PartStream) Close() {
	s.stop()
	// drain so the producer can observe cancellation and exit
	for range s.parts {
	}
	_ = s.finish()
}

func (s *PartStream) finish() error {
	s.once.Do(func() {
		s.err = <-s.errc
		s.stop()
	})
	return s.err
}
