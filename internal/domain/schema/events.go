package schema

import (
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/internal/domain/audio"
)

// Event is implemented by every message payload.
type Event interface {
	Kind() Kind
}

// TaskCreated announces a new summarization task.
type TaskCreated struct {
	TaskID        uuid.UUID     `json:"taskId"`
	CollectionID  uuid.UUID     `json:"collectionId"`
	TotalDuration time.Duration `json:"totalDuration"`
}

// AudioSplit carries one segment cut from the collection.
type AudioSplit struct {
	Segment audio.Segment `json:"segment"`
}

// SoundEnhanced carries one segment after the enhancement chain.
type SoundEnhanced struct {
	Segment audio.Segment `json:"segment"`
}

// AudioTranscribed carries the recognised text of one segment.
type AudioTranscribed struct {
	TaskID       uuid.UUID     `json:"taskId"`
	CollectionID uuid.UUID     `json:"collectionId"`
	RecordID     uuid.UUID     `json:"recordId"`
	SegmentID    int           `json:"segmentId"`
	TotalCount   int           `json:"totalCount"`
	Duration     time.Duration `json:"duration"`
	Text         string        `json:"text"`
	IsLast       bool          `json:"isLast"`
}

// SummarizeTranscription is the fan-in command issued once every segment is transcribed.
type SummarizeTranscription struct {
	TaskID        uuid.UUID `json:"taskId"`
	CollectionID  uuid.UUID `json:"collectionId"`
	TotalSegments int       `json:"totalSegments"`
}

// TranscriptionSummarized announces a completed summary.
type TranscriptionSummarized struct {
	TaskID       uuid.UUID `json:"taskId"`
	CollectionID uuid.UUID `json:"collectionId"`
	SummaryID    uuid.UUID `json:"summaryId"`
	Filepath     string    `json:"filepath"`
}

// TaskFailed announces that a stage gave up on a task.
type TaskFailed struct {
	TaskID uuid.UUID `json:"taskId"`
	Stage  string    `json:"stage"`
	Reason string    `json:"reason"`
}

func (TaskCreated) Kind() Kind             { return KindTaskCreated }
func (AudioSplit) Kind() Kind              { return KindAudioSplit }
func (SoundEnhanced) Kind() Kind           { return KindSoundEnhanced }
func (AudioTranscribed) Kind() Kind        { return KindAudioTranscribed }
func (SummarizeTranscription) Kind() Kind  { return KindSummarizeTranscription }
func (TranscriptionSummarized) Kind() Kind { return KindTranscriptionSummarized }
func (TaskFailed) Kind() Kind              { return KindTaskFailed }
