package audio

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	shortCollection  = 10 * time.Minute
	mediumCollection = 2 * time.Hour
)

// SegmentDurationFor picks the segment length for a collection of the given total duration.
func SegmentDurationFor(total time.Duration) time.Duration {
	switch {
	case total <= shortCollection:
		return 5 * time.Minute
	case total <= mediumCollection:
		return 20 * time.Minute
	default:
		return 30 * time.Minute
	}
}

// PlannedSegment describes where a segment falls before any audio is cut.
type PlannedSegment struct {
	RecordID   uuid.UUID
	Index      int // 0-based position inside the record
	Number     int
	TotalCount int
	Offset     time.Duration
	Duration   time.Duration
}

// IsLast reports whether the planned segment closes the collection.
func (p PlannedSegment) IsLast() bool {
	return p.Number == p.TotalCount
}

// PlanSegments numbers the segments of every record globally, in record order.
// Each record yields ceil(d/size) segments; only the last one of a record may be shorter.
func PlanSegments(records []Record, size time.Duration) ([]PlannedSegment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("audio: segment duration must be positive, got %s", size)
	}
	total := 0
	for _, r := range records {
		if r.Duration <= 0 {
			return nil, fmt.Errorf("audio: record %s has non-positive duration %s", r.ID, r.Duration)
		}
		total += SegmentCount(r.Duration, size)
	}
	plan := make([]PlannedSegment, 0, total)
	number := 0
	for _, r := range records {
		count := SegmentCount(r.Duration, size)
		for i := 0; i < count; i++ {
			number++
			offset := time.Duration(i) * size
			length := size
			if i == count-1 {
				length = r.Duration - offset
			}
			plan = append(plan, PlannedSegment{
				RecordID:   r.ID,
				Index:      i,
				Number:     number,
				TotalCount: total,
				Offset:     offset,
				Duration:   length,
			})
		}
	}
	return plan, nil
}

// SegmentCount returns ceil(d/size).
func SegmentCount(d, size time.Duration) int {
	if d <= 0 || size <= 0 {
		return 0
	}
	return int((d + size - 1) / size)
}
