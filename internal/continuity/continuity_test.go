package continuity

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPrependOrdersNewestFirst(t *testing.T) {
	doc, err := NewDocument(filepath.Join(t.TempDir(), "continuity.md"))
	if err != nil {
		t.Fatalf("create document: %v", err)
	}

	if err := doc.Prepend("first entry"); err != nil {
		t.Fatalf("prepend first: %v", err)
	}
	if err := doc.Prepend("second entry"); err != nil {
		t.Fatalf("prepend second: %v", err)
	}

	content, err := doc.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	first := strings.Index(content, "second entry")
	second := strings.Index(content, "first entry")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("entries out of order: %q", content)
	}
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	doc, err := NewDocument(filepath.Join(t.TempDir(), "continuity.md"))
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	content, err := doc.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if content != "" {
		t.Fatalf("expected empty content, got %q", content)
	}
}

func TestStampFormat(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	got := Stamp("self-rebuild handoff", at)
	if !strings.HasPrefix(got, "## self-rebuild handoff - 2025-03-14T09:26:53Z") {
		t.Fatalf("unexpected stamp: %q", got)
	}
}
