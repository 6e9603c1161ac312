package extract

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

func TestProcessPlainText(t *testing.T) {
	res := Process([]byte("hello world"), "notes.txt", "text/plain")
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if res.Content != "hello world" {
		t.Errorf("content = %q", res.Content)
	}
	if res.Metadata == nil || res.Metadata.Type != "text/plain" || res.Metadata.Size != 11 {
		t.Errorf("metadata = %+v", res.Metadata)
	}
}

func TestProcessJSON(t *testing.T) {
	res := Process([]byte(`{"a":1}`), "data.json", "application/json")
	if !res.Success || res.Content != `{"a":1}` {
		t.Errorf("result = %+v", res)
	}
}

func TestProcessMarkdownStripsFormatting(t *testing.T) {
	md := "# Heading\n\nSome **bold** and *italic* text.\n\n- item one\n- item two\n\n```\ncode line\n```\n"
	res := Process([]byte(md), "doc.md", "text/markdown")
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}

	for _, want := range []string{"Heading", "Some bold and italic text.", "item one", "item two", "code line"} {
		if !strings.Contains(res.Content, want) {
			t.Errorf("content missing %q:\n%s", want, res.Content)
		}
	}
	for _, marker := range []string{"# ", "**", "```"} {
		if strings.Contains(res.Content, marker) {
			t.Errorf("formatting marker %q survived:\n%s", marker, res.Content)
		}
	}
}

func TestProcessCodeByExtension(t *testing.T) {
	src := "package main\n\nfunc main() {}\n"
	res := Process([]byte(src), "main.go", "application/octet-stream")
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if res.Metadata.Type != "text/code" {
		t.Errorf("type = %q", res.Metadata.Type)
	}
	if res.Content != src {
		t.Errorf("content = %q", res.Content)
	}
}

func TestProcessDocx(t *testing.T) {
	res := Process(buildDocx(t,
		`<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second </w:t></w:r><w:r><w:t>paragraph.</w:t></w:r></w:p>
  </w:body>
</w:document>`), "report.docx", docxMimetype)

	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	want := "First paragraph.\nSecond paragraph."
	if res.Content != want {
		t.Errorf("content = %q, want %q", res.Content, want)
	}
}

func TestProcessCorruptDocx(t *testing.T) {
	res := Process([]byte("definitely not a zip"), "bad.docx", docxMimetype)
	if res.Success {
		t.Fatal("corrupt docx reported success")
	}
	if !strings.Contains(res.Error, "Failed to parse document") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestProcessCorruptPDF(t *testing.T) {
	res := Process([]byte("not a pdf"), "bad.pdf", "application/pdf")
	if res.Success {
		t.Fatal("corrupt pdf reported success")
	}
	if !strings.Contains(res.Error, "Failed to parse PDF") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestProcessUnsupportedType(t *testing.T) {
	res := Process([]byte{0x00, 0x01}, "blob.bin", "application/octet-stream")
	if res.Success {
		t.Fatal("unsupported type reported success")
	}
	if !strings.Contains(res.Error, "Unsupported file type") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestProcessClampsLongContent(t *testing.T) {
	long := strings.Repeat("x", MaxContentChars+500)
	res := Process([]byte(long), "big.txt", "text/plain")
	if len(res.Content) != MaxContentChars {
		t.Errorf("content length = %d, want %d", len(res.Content), MaxContentChars)
	}
}

func buildDocx(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(documentXML)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
