package summarization

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/errs"
)

// SummaryMetadata describes the stored document.
type SummaryMetadata struct {
	Filename   string
	Size       int64
	PageCount  int
	Format     DocumentFormat
	Type       SummaryType
	UploadedAt time.Time
}

// Summary is the immutable result of a completed task.
type Summary struct {
	ID           uuid.UUID
	CollectionID uuid.UUID
	Type         SummaryType
	Title        string
	Text         string
	Filepath     string
	Metadata     SummaryMetadata
}

// SummaryFilepath returns the blob key for a summary document.
func SummaryFilepath(collectionID, summaryID uuid.UUID, format DocumentFormat) string {
	return path.Join("summaries", collectionID.String(), summaryID.String()+"."+string(format))
}

// NewSummary builds a summary for an uploaded document.
func NewSummary(id, collectionID uuid.UUID, summaryType SummaryType, text string, doc Document, uploadedAt time.Time) (Summary, error) {
	if id == uuid.Nil || collectionID == uuid.Nil {
		return Summary{}, errs.New("summary", errs.CodeInvalid, errs.WithMessage("summary and collection ids required"))
	}
	if strings.TrimSpace(text) == "" {
		return Summary{}, errs.New("summary", errs.CodeInvalid, errs.WithMessage("summary text is empty"))
	}
	return Summary{
		ID:           id,
		CollectionID: collectionID,
		Type:         summaryType,
		Title:        doc.Title,
		Text:         text,
		Filepath:     SummaryFilepath(collectionID, id, doc.Format),
		Metadata: SummaryMetadata{
			Filename:   doc.Filename(),
			Size:       doc.Size(),
			PageCount:  doc.PageCount,
			Format:     doc.Format,
			Type:       summaryType,
			UploadedAt: uploadedAt.UTC(),
		},
	}, nil
}

// Document is a compiled summary file.
type Document struct {
	Title     string
	Format    DocumentFormat
	Content   []byte
	PageCount int
}

// Size returns the document size in bytes.
func (d Document) Size() int64 { return int64(len(d.Content)) }

// Filename returns a display name for the document.
func (d Document) Filename() string {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		title = "summary"
	}
	return fmt.Sprintf("%s.%s", title, d.Format)
}

// Transcription is the recognised text of one segment.
type Transcription struct {
	TaskID          uuid.UUID
	RecordID        uuid.UUID
	SegmentID       int
	SegmentDuration time.Duration
	Text            string
	CreatedAt       time.Time
}
