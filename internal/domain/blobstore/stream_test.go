package blobstore

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestPartStreamDeliversInOrderThenEOF(t *testing.T) {
	ctx := context.Background()
	stream := StreamOf(ctx,
		FilePart{PartNumber: 1, Content: []byte("a")},
		FilePart{PartNumber: 2, Content: []byte("b"), IsLast: true},
	)
	for want := 1; want <= 2; want++ {
		part, err := stream.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", want, err)
		}
		if part.PartNumber != want {
			t.Fatalf("expected part %d, got %d", want, part.PartNumber)
		}
	}
	if _, err := stream.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if _, err := stream.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF to be sticky, got %v", err)
	}
}

func TestPartStreamSurfacesProducerError(t *testing.T) {
	boom := errors.New("range read failed")
	stream := NewPartStream(context.Background(), func(_ context.Context, emit func(FilePart) error) error {
		if err := emit(FilePart{PartNumber: 1}); err != nil {
			return err
		}
		return boom
	})
	if _, err := stream.Recv(context.Background()); err != nil {
		t.Fatalf("first part: %v", err)
	}
	if _, err := stream.Recv(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected producer error, got %v", err)
	}
}

func TestPartStreamStopsProducerOnCancel(t *testing.T) {
	stopped := make(chan struct{})
	stream := NewPartStream(context.Background(), func(ctx context.Context, emit func(FilePart) error) error {
		defer close(stopped)
		for i := 1; ; i++ {
			if err := emit(FilePart{PartNumber: i}); err != nil {
				return err
			}
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := stream.Recv(ctx); err != nil {
		t.Fatalf("recv: %v", err)
	}
	cancel()
	if _, err := stream.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("producer did not stop after cancellation")
	}
}
