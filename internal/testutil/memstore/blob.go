package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/blobstore"
	"github.com/coachpo/audiosum/internal/infra/storage/multipart"
)

// Blobs is an in-memory object store that speaks the multipart stream contract.
type Blobs struct {
	mu      sync.Mutex
	objects map[string]blobstore.File
}

var _ blobstore.Store = (*Blobs)(nil)

// NewBlobs returns an empty object store.
func NewBlobs() *Blobs {
	return &Blobs{objects: make(map[string]blobstore.File)}
}

// Put stores content directly.
func (b *Blobs) Put(filepath string, content []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[filepath] = blobstore.File{Filepath: filepath, Content: append([]byte(nil), content...), Size: int64(len(content))}
}

// Keys lists the stored object keys.
func (b *Blobs) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	return keys
}

func (b *Blobs) Upload(ctx context.Context, file blobstore.File) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	file.Content = append([]byte(nil), file.Content...)
	file.Size = int64(len(file.Content))
	b.objects[file.Filepath] = file
	return nil
}

func (b *Blobs) UploadMultipart(ctx context.Context, filepath, contentType string, parts *blobstore.PartStream) (int64, error) {
	var buf bytes.Buffer
	n, err := multipart.WriteTo(ctx, parts, &buf)
	if err != nil {
		return 0, errs.New("memblob", errs.CodeUploadFailed, errs.WithMessage("upload multipart"), errs.WithCause(err))
	}
	return n, b.Upload(ctx, blobstore.File{Filepath: filepath, Content: buf.Bytes(), ContentType: contentType})
}

func (b *Blobs) Download(ctx context.Context, filepath string) (*blobstore.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	file, ok := b.objects[filepath]
	if !ok {
		return nil, nil
	}
	file.Content = append([]byte(nil), file.Content...)
	return &file, nil
}

func (b *Blobs) DownloadMultipart(ctx context.Context, filepath string, partSize int64) (*blobstore.PartStream, error) {
	file, err := b.Download(ctx, filepath)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, errs.New("memblob", errs.CodeNotFound, errs.WithMessage("object not found"), errs.WithDetail("filepath", filepath))
	}
	if len(file.Content) == 0 {
		return blobstore.StreamOf(ctx, blobstore.FilePart{Filepath: filepath, Content: []byte{}, PartNumber: 1, TotalParts: 1, IsLast: true}), nil
	}
	content := file.Content
	fetch := func(_ context.Context, rng multipart.Range) ([]byte, error) {
		return content[rng.Start : rng.End+1], nil
	}
	return multipart.Download(ctx, filepath, int64(len(content)), partSize, fetch), nil
}

func (b *Blobs) Remove(ctx context.Context, filepath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, filepath)
	return nil
}

func (b *Blobs) Exists(ctx context.Context, filepath string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[filepath]
	return ok, nil
}

func (b *Blobs) PresignedURL(ctx context.Context, filepath string, expiresIn time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s?expires=%d", filepath, int(expiresIn.Seconds())), nil
}
