package documents

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gomutex/godocx"
	"github.com/gomutex/godocx/docx"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/summarization"
)

const (
	docxFont     = "Times New Roman"
	docxFontSize = 13
)

// DOCX renders Word documents.
type DOCX struct {
	tempDir string
}

// NewDOCX builds a DOCX compiler. The document is staged in tempDir before it is read back.
func NewDOCX(tempDir string) *DOCX {
	if strings.TrimSpace(tempDir) == "" {
		tempDir = os.TempDir()
	}
	return &DOCX{tempDir: tempDir}
}

func (c *DOCX) Compile(title, text string) (summarization.Document, error) {
	if err := validate(title, text); err != nil {
		return summarization.Document{}, err
	}
	title = strings.TrimSpace(title)

	doc, err := godocx.NewDocument()
	if err != nil {
		return summarization.Document{}, errs.New("documents", errs.CodeExternal, errs.WithMessage("create docx"), errs.WithCause(err))
	}
	addRun(doc.AddParagraph(""), title, true, 16)

	for _, b := range dropLeadingTitle(parseBlocks(text), title) {
		p := doc.AddParagraph("")
		switch b.kind {
		case blockHeading:
			addRun(p, plain(b.text), true, uint64(headingPoints(b.level)))
		case blockBullet:
			addSpans(p, "• "+b.text)
		default:
			addSpans(p, b.text)
		}
	}

	dir, err := os.MkdirTemp(c.tempDir, "docx-")
	if err != nil {
		return summarization.Document{}, errs.New("documents", errs.CodeExternal, errs.WithMessage("stage docx"), errs.WithCause(err))
	}
	defer func() {
		_ = os.RemoveAll(dir)
	}()
	path := filepath.Join(dir, "summary.docx")
	if err := doc.SaveTo(path); err != nil {
		return summarization.Document{}, errs.New("documents", errs.CodeExternal, errs.WithMessage("write docx"), errs.WithCause(err))
	}
	content, err := os.ReadFile(path) // #nosec G304 -- path is created above.
	if err != nil {
		return summarization.Document{}, errs.New("documents", errs.CodeExternal, errs.WithMessage("read docx"), errs.WithCause(err))
	}
	return summarization.Document{
		Title:     title,
		Format:    summarization.FormatDOCX,
		Content:   content,
		PageCount: estimatePages(text),
	}, nil
}

func addRun(p *docx.Paragraph, text string, bold bool, size uint64) {
	run := p.AddText(cleanInline(text)).Font(docxFont).Size(size).Color("000000")
	if bold {
		run.Bold(true)
	}
}

func addSpans(p *docx.Paragraph, text string) {
	for _, s := range spans(text) {
		if s.text == "" {
			continue
		}
		addRun(p, s.text, s.bold, docxFontSize)
	}
}
