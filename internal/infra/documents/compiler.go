// Package documents renders Markdown summaries into downloadable files.
package documents

import (
	"strings"
	"unicode/utf8"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/summarization"
)

// Compiler turns a titled Markdown text into a document.
type Compiler interface {
	Compile(title, text string) (summarization.Document, error)
}

// Config holds renderer options.
type Config struct {
	// FontPath points to a UTF-8 TrueType font for PDF output. Without it PDF text is
	// limited to the Latin-1 core fonts.
	FontPath string
	TempDir  string
}

// Set resolves the compiler for each document format.
type Set struct {
	compilers map[summarization.DocumentFormat]Compiler
}

// NewSet builds compilers for every supported format.
func NewSet(cfg Config) *Set {
	return &Set{compilers: map[summarization.DocumentFormat]Compiler{
		summarization.FormatPDF:  NewPDF(cfg.FontPath),
		summarization.FormatDOCX: NewDOCX(cfg.TempDir),
		summarization.FormatMD:   Markdown{},
	}}
}

// For returns the compiler of format.
func (s *Set) For(format summarization.DocumentFormat) (Compiler, error) {
	c, ok := s.compilers[format]
	if !ok {
		return nil, errs.New("documents", errs.CodeInvalid,
			errs.WithMessage("no compiler for format"),
			errs.WithDetail("format", string(format)))
	}
	return c, nil
}

// Markdown stores the text as is, prefixed by the title heading when missing.
type Markdown struct{}

func (Markdown) Compile(title, text string) (summarization.Document, error) {
	if err := validate(title, text); err != nil {
		return summarization.Document{}, err
	}
	body := strings.TrimSpace(text)
	blocks := parseBlocks(body)
	if len(blocks) == 0 || len(dropLeadingTitle(blocks, title)) == len(blocks) {
		body = "# " + strings.TrimSpace(title) + "\n\n" + body
	}
	content := []byte(body + "\n")
	return summarization.Document{
		Title:     strings.TrimSpace(title),
		Format:    summarization.FormatMD,
		Content:   content,
		PageCount: estimatePages(body),
	}, nil
}

func validate(title, text string) error {
	if strings.TrimSpace(title) == "" {
		return errs.New("documents", errs.CodeInvalid, errs.WithMessage("title required"))
	}
	if strings.TrimSpace(text) == "" {
		return errs.New("documents", errs.CodeInvalid, errs.WithMessage("text required"))
	}
	return nil
}

// about one A4 page of 12pt text
const charsPerPage = 3000

func estimatePages(text string) int {
	n := utf8.RuneCountInString(text)
	pages := (n + charsPerPage - 1) / charsPerPage
	if pages < 1 {
		return 1
	}
	return pages
}
