package documents

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/summarization"
)

const sample = `# Weekly sync

## Decisions
- Ship the **beta** on Friday
- Keep __scope__ fixed

1. Alice prepares the release notes
Plain closing paragraph with ` + "`code`" + `.`

func TestParseBlocks(t *testing.T) {
	blocks := parseBlocks(sample)
	kinds := []blockKind{blockHeading, blockHeading, blockBullet, blockBullet, blockNumbered, blockParagraph}
	if len(blocks) != len(kinds) {
		t.Fatalf("expected %d blocks, got %d: %+v", len(kinds), len(blocks), blocks)
	}
	for i, kind := range kinds {
		if blocks[i].kind != kind {
			t.Fatalf("block %d: expected kind %d, got %d", i, kind, blocks[i].kind)
		}
	}
	if blocks[1].level != 2 || blocks[1].text != "Decisions" {
		t.Fatalf("unexpected heading %+v", blocks[1])
	}
}

func TestSpans(t *testing.T) {
	got := spans("Ship the **beta** on __Friday__")
	want := []span{{"Ship the ", false}, {"beta", true}, {" on ", false}, {"Friday", true}}
	if len(got) != len(want) {
		t.Fatalf("unexpected spans %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("span %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
	if plain("a `b` *c*") != "a b c" {
		t.Fatalf("unexpected plain text %q", plain("a `b` *c*"))
	}
}

func TestMarkdownCompiler(t *testing.T) {
	doc, err := Markdown{}.Compile("Weekly sync", sample)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if doc.Format != summarization.FormatMD || doc.PageCount != 1 {
		t.Fatalf("unexpected document %+v", doc)
	}
	if strings.Count(string(doc.Content), "# Weekly sync") != 1 {
		t.Fatalf("title must not be duplicated:\n%s", doc.Content)
	}
	if doc.Filename() != "Weekly sync.md" {
		t.Fatalf("unexpected filename %q", doc.Filename())
	}

	doc, err = Markdown{}.Compile("Lecture notes", "no heading here")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.HasPrefix(string(doc.Content), "# Lecture notes\n\n") {
		t.Fatalf("expected title heading prefix, got %q", doc.Content)
	}
}

func TestPDFCompiler(t *testing.T) {
	doc, err := NewPDF("").Compile("Weekly sync", strings.Repeat(sample+"\n", 40))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !bytes.HasPrefix(doc.Content, []byte("%PDF-")) {
		t.Fatalf("content is not a pdf")
	}
	if doc.PageCount < 2 {
		t.Fatalf("expected several pages, got %d", doc.PageCount)
	}
	if doc.Size() != int64(len(doc.Content)) || doc.Filename() != "Weekly sync.pdf" {
		t.Fatalf("unexpected metadata %+v", doc)
	}
}

func TestDOCXCompiler(t *testing.T) {
	doc, err := NewDOCX(t.TempDir()).Compile("Weekly sync", sample)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	reader, err := zip.NewReader(bytes.NewReader(doc.Content), int64(len(doc.Content)))
	if err != nil {
		t.Fatalf("docx is not a zip archive: %v", err)
	}
	var body string
	for _, f := range reader.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open document.xml: %v", err)
		}
		raw, _ := io.ReadAll(rc)
		_ = rc.Close()
		body = string(raw)
	}
	for _, want := range []string{"Weekly sync", "Decisions", "beta", "Alice prepares the release notes"} {
		if !strings.Contains(body, want) {
			t.Fatalf("document.xml misses %q", want)
		}
	}
	if doc.Format != summarization.FormatDOCX || doc.PageCount != 1 {
		t.Fatalf("unexpected document %+v", doc)
	}
}

func TestCompilersRejectEmptyInput(t *testing.T) {
	set := NewSet(Config{TempDir: t.TempDir()})
	for _, format := range []summarization.DocumentFormat{summarization.FormatPDF, summarization.FormatDOCX, summarization.FormatMD} {
		c, err := set.For(format)
		if err != nil {
			t.Fatalf("compiler for %s: %v", format, err)
		}
		if _, err := c.Compile("title", "  "); !errs.IsCode(err, errs.CodeInvalid) {
			t.Fatalf("%s: expected invalid error, got %v", format, err)
		}
		if _, err := c.Compile("", "text"); !errs.IsCode(err, errs.CodeInvalid) {
			t.Fatalf("%s: expected invalid error for empty title, got %v", format, err)
		}
	}
	if _, err := set.For("odt"); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for unknown format, got %v", err)
	}
}

func TestEstimatePages(t *testing.T) {
	if estimatePages("") != 1 || estimatePages(strings.Repeat("я", charsPerPage+1)) != 2 {
		t.Fatalf("unexpected page estimate")
	}
}
