// Package collectionstore defines persistence contracts for uploaded audio records.
package collectionstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/internal/domain/audio"
)

// Records lists and registers the audio records of a collection.
type Records interface {
	Add(ctx context.Context, record audio.Record) error
	ListByCollection(ctx context.Context, collectionID uuid.UUID) ([]audio.Record, error)
}
