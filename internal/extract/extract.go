// Package extract turns uploaded documents into plain text for the
// model. PDF, Word, Markdown, plain text, JSON, and common source code
// files are supported; everything else is a structured failure.
package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MaxContentChars caps extracted text per file.
const MaxContentChars = 50000

const docxMimetype = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// codeExtensions are source file suffixes treated as plain code text.
var codeExtensions = []string{
	".js", ".ts", ".jsx", ".tsx", ".py", ".java",
	".c", ".cpp", ".go", ".rs", ".rb", ".php",
	".sh", ".sql", ".yaml", ".yml", ".toml",
}

// Metadata describes the processed file.
type Metadata struct {
	Type  string `json:"type"`
	Size  int    `json:"size"`
	Pages int    `json:"pages,omitempty"`
}

// Result is the outcome of processing one uploaded file.
type Result struct {
	Success  bool      `json:"success"`
	Filename string    `json:"filename"`
	Content  string    `json:"content,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Process extracts text from an uploaded file based on its mimetype
// and filename extension.
func Process(data []byte, filename, mimetype string) *Result {
	size := len(data)
	ok := func(content, typ string, pages int) *Result {
		return &Result{
			Success:  true,
			Filename: filename,
			Content:  clamp(content),
			Metadata: &Metadata{Type: typ, Size: size, Pages: pages},
		}
	}

	switch {
	case filename != "" && (strings.HasSuffix(filename, ".md") || mimetype == "text/markdown"):
		content, err := markdownText(data)
		if err != nil {
			// Raw markdown is still readable text.
			content = string(data)
		}
		return ok(content, "text/markdown", 0)

	case strings.HasPrefix(mimetype, "text/") || mimetype == "application/json":
		return ok(string(data), mimetype, 0)

	case mimetype == "application/pdf":
		content, pages, err := pdfText(data)
		if err != nil {
			return &Result{Filename: filename, Error: fmt.Sprintf("Failed to parse PDF: %v", err)}
		}
		return ok(content, "application/pdf", pages)

	case mimetype == docxMimetype || mimetype == "application/msword":
		content, err := docxText(data)
		if err != nil {
			return &Result{Filename: filename, Error: fmt.Sprintf("Failed to parse document: %v", err)}
		}
		return ok(content, mimetype, 0)

	case hasCodeExtension(filename):
		return ok(string(data), "text/code", 0)

	default:
		return &Result{Filename: filename, Error: fmt.Sprintf("Unsupported file type: %s", mimetype)}
	}
}

func hasCodeExtension(filename string) bool {
	for _, ext := range codeExtensions {
		if strings.HasSuffix(filename, ext) {
			return true
		}
	}
	return false
}

func clamp(s string) string {
	if len(s) <= MaxContentChars {
		return s
	}
	return s[:MaxContentChars]
}

// markdownText parses markdown and renders the document as plain text,
// dropping formatting but keeping block structure.
func markdownText(source []byte) (string, error) {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if _, isBlock := n.(*ast.Paragraph); isBlock || n.Kind() == ast.KindHeading || n.Kind() == ast.KindListItem {
				b.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}

		switch v := n.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(source))
			if v.SoftLineBreak() || v.HardLineBreak() {
				b.WriteString("\n")
			}
		case *ast.CodeBlock:
			writeLines(&b, v, source)
		case *ast.FencedCodeBlock:
			writeLines(&b, v, source)
		case *ast.AutoLink:
			b.Write(v.URL(source))
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(b.String()), nil
}

func writeLines(b *strings.Builder, n ast.Node, source []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
}

// pdfText extracts plain text from a PDF and reports its page count.
func pdfText(data []byte) (string, int, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, err
	}

	reader, err := r.GetPlainText()
	if err != nil {
		return "", 0, err
	}

	content, err := io.ReadAll(reader)
	if err != nil {
		return "", 0, err
	}

	return string(content), r.NumPage(), nil
}

// docxText extracts paragraph text from a Word document. A .docx file
// is a zip archive; the body lives in word/document.xml as runs of
// w:t elements grouped into w:p paragraphs.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("not a Word document: %w", err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", fmt.Errorf("word/document.xml not found")
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", fmt.Errorf("open document body: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, 20*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read document body: %w", err)
	}

	return wordXMLText(raw)
}

// wordXMLText streams the document XML and collects text runs,
// inserting a newline at each paragraph boundary.
func wordXMLText(raw []byte) (string, error) {
	type document struct {
		Body struct {
			Paragraphs []struct {
				Runs []struct {
					Text string `xml:"t"`
				} `xml:"r"`
			} `xml:"p"`
		} `xml:"body"`
	}

	var doc document
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("parse document body: %w", err)
	}

	var b strings.Builder
	for _, p := range doc.Body.Paragraphs {
		for _, r := range p.Runs {
			b.WriteString(r.Text)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}
