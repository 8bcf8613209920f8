// Package multipart splits byte sources into ordered parts and puts them back together.
package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/blobstore"
)

// Range is an inclusive byte range of an object.
type Range struct {
	PartNumber int
	Start      int64
	End        int64
}

// Header renders the range as an HTTP Range header value.
func (r Range) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

// Ranges splits an object of size bytes into ceil(size/partSize) ranges numbered from 1.
func Ranges(size, partSize int64) []Range {
	if size <= 0 {
		return nil
	}
	if partSize <= 0 {
		partSize = blobstore.DefaultPartSize
	}
	count := (size + partSize - 1) / partSize
	out := make([]Range, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * partSize
		end := start + partSize - 1
		if end >= size {
			end = size - 1
		}
		out = append(out, Range{PartNumber: int(i) + 1, Start: start, End: end})
	}
	return out
}

// Chunk emits the reader's content as parts of partSize bytes. The final part holds the
// remainder and is the only one flagged IsLast. TotalParts and TotalSize stay zero
// because the source length is not known up front. An empty reader yields one empty
// last part.
func Chunk(ctx context.Context, r io.Reader, filepath string, partSize int64) *blobstore.PartStream {
	if partSize <= 0 {
		partSize = blobstore.DefaultPartSize
	}
	return blobstore.NewPartStream(ctx, func(ctx context.Context, emit func(blobstore.FilePart) error) error {
		var pending *blobstore.FilePart
		number := 0
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			buf := make([]byte, partSize)
			n, err := io.ReadFull(r, buf)
			eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
			if err != nil && !eof {
				return fmt.Errorf("multipart: read %s: %w", filepath, err)
			}
			if n > 0 {
				if pending != nil {
					if err := emit(*pending); err != nil {
						return err
					}
				}
				number++
				pending = &blobstore.FilePart{
					Filepath:   filepath,
					Content:    buf[:n],
					PartNumber: number,
					Size:       int64(n),
				}
			}
			if eof {
				break
			}
		}
		if pending == nil {
			pending = &blobstore.FilePart{Filepath: filepath, Content: []byte{}, PartNumber: 1}
		}
		pending.IsLast = true
		return emit(*pending)
	})
}

// Fetch reads one range of an object.
type Fetch func(ctx context.Context, rng Range) ([]byte, error)

// Download emits the object's ranges in order, fetching each one only when the consumer
// pulls it.
func Download(ctx context.Context, filepath string, size, partSize int64, fetch Fetch) *blobstore.PartStream {
	ranges := Ranges(size, partSize)
	return blobstore.NewPartStream(ctx, func(ctx context.Context, emit func(blobstore.FilePart) error) error {
		for i, rng := range ranges {
			content, err := fetch(ctx, rng)
			if err != nil {
				return err
			}
			if int64(len(content)) != rng.Len() {
				return errs.New("multipart", errs.CodeDownloadFailed,
					errs.WithMessage("short range read"),
					errs.WithDetail("filepath", filepath),
					errs.WithDetail("range", rng.Header()),
					errs.WithDetail("got", fmt.Sprint(len(content))))
			}
			part := blobstore.FilePart{
				Filepath:   filepath,
				Content:    content,
				PartNumber: rng.PartNumber,
				TotalParts: len(ranges),
				Size:       int64(len(content)),
				TotalSize:  size,
				IsLast:     i == len(ranges)-1,
			}
			if err := emit(part); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sequence checks that parts arrive numbered 1, 2, 3... and that nothing follows the last.
type Sequence struct {
	next   int
	closed bool
}

// Check validates the next part against the sequence.
func (s *Sequence) Check(part blobstore.FilePart) error {
	if s.next == 0 {
		s.next = 1
	}
	if s.closed {
		return errs.New("multipart", errs.CodeInvalid,
			errs.WithMessage("part after last part"),
			errs.WithDetail("part_number", fmt.Sprint(part.PartNumber)))
	}
	if part.PartNumber != s.next {
		return errs.New("multipart", errs.CodeInvalid,
			errs.WithMessage("non-contiguous part"),
			errs.WithDetail("expected", fmt.Sprint(s.next)),
			errs.WithDetail("part_number", fmt.Sprint(part.PartNumber)))
	}
	s.next++
	s.closed = part.IsLast
	return nil
}

// Count returns how many parts were accepted.
func (s *Sequence) Count() int {
	if s.next == 0 {
		return 0
	}
	return s.next - 1
}

// WriteTo drains the stream into w in order and returns the bytes written. It fails on a
// gap in part numbers or when the stream ends without a last part.
func WriteTo(ctx context.Context, stream *blobstore.PartStream, w io.Writer) (int64, error) {
	defer stream.Close()
	var (
		seq     Sequence
		written int64
	)
	for {
		part, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return written, err
		}
		if err := seq.Check(part); err != nil {
			return written, err
		}
		n, err := w.Write(part.Content)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("multipart: write part %d: %w", part.PartNumber, err)
		}
	}
	if seq.Count() > 0 && !seq.closed {
		return written, errs.New("multipart", errs.CodeInvalid, errs.WithMessage("stream ended before last part"))
	}
	return written, nil
}
