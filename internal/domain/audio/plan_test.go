package audio

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSegmentDurationFor(t *testing.T) {
	cases := []struct {
		total time.Duration
		want  time.Duration
	}{
		{total: time.Minute, want: 5 * time.Minute},
		{total: 10 * time.Minute, want: 5 * time.Minute},
		{total: 10*time.Minute + time.Second, want: 20 * time.Minute},
		{total: 2 * time.Hour, want: 20 * time.Minute},
		{total: 3 * time.Hour, want: 30 * time.Minute},
	}
	for _, tc := range cases {
		if got := SegmentDurationFor(tc.total); got != tc.want {
			t.Fatalf("SegmentDurationFor(%s) = %s, want %s", tc.total, got, tc.want)
		}
	}
}

func TestPlanSegmentsTwoRecords(t *testing.T) {
	records := []Record{
		{ID: uuid.New(), Duration: 1800 * time.Second},
		{ID: uuid.New(), Duration: 600 * time.Second},
	}
	plan, err := PlanSegments(records, 1200*time.Second)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(plan))
	}
	wantDur := []time.Duration{1200 * time.Second, 600 * time.Second, 600 * time.Second}
	wantRecord := []uuid.UUID{records[0].ID, records[0].ID, records[1].ID}
	for i, seg := range plan {
		if seg.Number != i+1 || seg.TotalCount != 3 {
			t.Fatalf("segment %d numbered %d/%d", i, seg.Number, seg.TotalCount)
		}
		if seg.Duration != wantDur[i] {
			t.Fatalf("segment %d duration %s, want %s", i, seg.Duration, wantDur[i])
		}
		if seg.RecordID != wantRecord[i] {
			t.Fatalf("segment %d assigned to wrong record", i)
		}
	}
	if !plan[2].IsLast() || plan[1].IsLast() {
		t.Fatalf("only the final segment may be last")
	}
	if plan[1].Offset != 1200*time.Second {
		t.Fatalf("unexpected offset %s", plan[1].Offset)
	}
}

func TestPlanSegmentsProperties(t *testing.T) {
	sizes := []time.Duration{time.Second, 7 * time.Second, 300 * time.Second, 1200 * time.Second}
	durations := []time.Duration{
		time.Second, 299 * time.Second, 300 * time.Second, 301 * time.Second,
		3599 * time.Second, 7201 * time.Second, 1500 * time.Millisecond,
	}
	for _, size := range sizes {
		for _, d := range durations {
			plan, err := PlanSegments([]Record{{ID: uuid.New(), Duration: d}}, size)
			if err != nil {
				t.Fatalf("plan(%s, %s): %v", d, size, err)
			}
			want := int((d + size - 1) / size)
			if len(plan) != want {
				t.Fatalf("plan(%s, %s) produced %d segments, want %d", d, size, len(plan), want)
			}
			var sum time.Duration
			last := 0
			for i, seg := range plan {
				if seg.Number != i+1 {
					t.Fatalf("non-contiguous numbering at %d: %d", i, seg.Number)
				}
				if seg.IsLast() {
					last++
				}
				if seg.Duration <= 0 || seg.Duration > size {
					t.Fatalf("segment duration %s out of range for size %s", seg.Duration, size)
				}
				sum += seg.Duration
			}
			if last != 1 {
				t.Fatalf("expected exactly one last segment, got %d", last)
			}
			if sum != d {
				t.Fatalf("durations sum to %s, want %s", sum, d)
			}
		}
	}
}

func TestPlanSegmentsRejectsInvalidInput(t *testing.T) {
	if _, err := PlanSegments([]Record{{ID: uuid.New(), Duration: time.Minute}}, 0); err == nil {
		t.Fatalf("expected error for zero segment size")
	}
	if _, err := PlanSegments([]Record{{ID: uuid.New()}}, time.Minute); err == nil {
		t.Fatalf("expected error for zero record duration")
	}
}

func TestFormatHelpers(t *testing.T) {
	f, ok := FormatFromPath("records/abc/meeting.FLAC")
	if !ok || f != FormatFLAC {
		t.Fatalf("expected flac, got %q ok=%v", f, ok)
	}
	if !f.IsLossless() || FormatMP3.IsLossless() {
		t.Fatalf("unexpected lossless classification")
	}
	if _, ok := ParseFormat("midi"); ok {
		t.Fatalf("midi is not a supported recording format")
	}
	seg := Segment{Number: 3, TotalCount: 3}
	if !seg.IsLast() {
		t.Fatalf("expected last segment")
	}
}
