package audio

import (
	"time"

	"github.com/google/uuid"
)

// SegmentMetadata ties a segment back to the task and record it came from.
type SegmentMetadata struct {
	TaskID       uuid.UUID `json:"taskId"`
	CollectionID uuid.UUID `json:"collectionId"`
	RecordID     uuid.UUID `json:"recordId"`
}

// Segment is one contiguous slice of a record. Numbers are 1-based and global to the collection.
type Segment struct {
	Number     int             `json:"number"`
	TotalCount int             `json:"totalCount"`
	Content    []byte          `json:"content"`
	Format     Format          `json:"format"`
	Duration   time.Duration   `json:"duration"`
	Channels   int             `json:"channels"`
	SampleRate int             `json:"sampleRate"`
	Metadata   SegmentMetadata `json:"metadata"`
}

// IsLast reports whether this is the final segment of the collection.
func (s Segment) IsLast() bool {
	return s.TotalCount > 0 && s.Number == s.TotalCount
}

// Record is an uploaded audio file belonging to a collection.
type Record struct {
	ID           uuid.UUID
	CollectionID uuid.UUID
	Filepath     string
	Format       Format
	Duration     time.Duration
	Channels     int
	SampleRate   int
}
