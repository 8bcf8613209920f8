package documents

import (
	"bytes"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/summarization"
)

const (
	pdfUTF8Family = "body"
	pdfCoreFamily = "Helvetica"
	pdfLineHeight = 6
)

// PDF renders A4 pages.
type PDF struct {
	fontPath string
}

// NewPDF builds a PDF compiler. fontPath may be empty.
func NewPDF(fontPath string) *PDF {
	return &PDF{fontPath: strings.TrimSpace(fontPath)}
}

func (c *PDF) Compile(title, text string) (summarization.Document, error) {
	if err := validate(title, text); err != nil {
		return summarization.Document{}, err
	}
	title = strings.TrimSpace(title)

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(title, true)
	pdf.SetCreator("audiosum", true)
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 20)

	family := pdfCoreFamily
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	if c.fontPath != "" {
		pdf.AddUTF8Font(pdfUTF8Family, "", c.fontPath)
		pdf.AddUTF8Font(pdfUTF8Family, "B", c.fontPath)
		family = pdfUTF8Family
		tr = func(s string) string { return s }
	}

	pdf.AddPage()
	pdf.SetFont(family, "B", 18)
	pdf.MultiCell(0, 9, tr(title), "", "L", false)
	pdf.Ln(4)

	for _, b := range dropLeadingTitle(parseBlocks(text), title) {
		switch b.kind {
		case blockHeading:
			pdf.Ln(2)
			pdf.SetFont(family, "B", headingPoints(b.level))
			pdf.MultiCell(0, 8, tr(plain(b.text)), "", "L", false)
		case blockBullet:
			pdf.SetFont(family, "", 12)
			pdf.MultiCell(0, pdfLineHeight, tr("- "+plain(b.text)), "", "L", false)
		default:
			pdf.SetFont(family, "", 12)
			pdf.MultiCell(0, pdfLineHeight, tr(plain(b.text)), "", "L", false)
		}
	}

	if err := pdf.Error(); err != nil {
		return summarization.Document{}, errs.New("documents", errs.CodeExternal, errs.WithMessage("render pdf"), errs.WithCause(err))
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return summarization.Document{}, errs.New("documents", errs.CodeExternal, errs.WithMessage("write pdf"), errs.WithCause(err))
	}
	return summarization.Document{
		Title:     title,
		Format:    summarization.FormatPDF,
		Content:   buf.Bytes(),
		PageCount: pdf.PageNo(),
	}, nil
}

func headingPoints(level int) float64 {
	switch level {
	case 1:
		return 16
	case 2:
		return 14
	default:
		return 13
	}
}
