// Package blobstore defines object storage contracts and the multipart part stream.
package blobstore

import (
	"context"
	"time"
)

// DefaultPartSize is the smallest part size accepted by S3-compatible multipart uploads.
const DefaultPartSize = 5 * 1024 * 1024

// File is a whole object held in memory.
type File struct {
	Filepath    string
	Content     []byte
	ContentType string
	Size        int64
}

// FilePart is one chunk of a multipart transfer. Part numbers start at 1.
type FilePart struct {
	Filepath   string
	Content    []byte
	PartNumber int
	TotalParts int
	Size       int64
	TotalSize  int64
	IsLast     bool
}

// Store is an object storage backend.
type Store interface {
	Upload(ctx context.Context, file File) error
	UploadMultipart(ctx context.Context, filepath, contentType string, parts *PartStream) (int64, error)
	// Download returns nil, nil when the object does not exist.
	Download(ctx context.Context, filepath string) (*File, error)
	DownloadMultipart(ctx context.Context, filepath string, partSize int64) (*PartStream, error)
	Remove(ctx context.Context, filepath string) error
	Exists(ctx context.Context, filepath string) (bool, error)
	PresignedURL(ctx context.Context, filepath string, expiresIn time.Duration) (string, error)
}
