package summarization

import (
	"fmt"
	"strings"

	"github.com/coachpo/audiosum/errs"
)

// SummaryType selects the shape of the generated summary.
type SummaryType string

const (
	SummaryMeetingProtocol SummaryType = "meeting_protocol"
	SummaryLectureNotes    SummaryType = "lecture_notes"
)

// ParseSummaryType validates a summary type name.
func ParseSummaryType(raw string) (SummaryType, error) {
	t := SummaryType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case SummaryMeetingProtocol, SummaryLectureNotes:
		return t, nil
	default:
		return "", errs.New("summarization", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown summary type %q", raw)))
	}
}

// DefaultTitle is used when the generated text has no heading.
func (t SummaryType) DefaultTitle() string {
	switch t {
	case SummaryMeetingProtocol:
		return "Meeting protocol"
	case SummaryLectureNotes:
		return "Lecture notes"
	default:
		return "Summary"
	}
}

// DocumentFormat is the output file format of a summary.
type DocumentFormat string

const (
	FormatPDF  DocumentFormat = "pdf"
	FormatDOCX DocumentFormat = "docx"
	FormatMD   DocumentFormat = "md"
)

// ParseDocumentFormat validates a document format name.
func ParseDocumentFormat(raw string) (DocumentFormat, error) {
	f := DocumentFormat(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), ".")))
	switch f {
	case FormatPDF, FormatDOCX, FormatMD:
		return f, nil
	default:
		return "", errs.New("summarization", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown document format %q", raw)))
	}
}

// ContentType returns the MIME type used when storing the document.
func (f DocumentFormat) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case FormatMD:
		return "text/markdown; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
