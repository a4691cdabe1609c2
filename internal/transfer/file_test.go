package transfer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveFileAvoidsOverwrite(t *testing.T) {
	dir := t.TempDir()
	f := ReceivedFile{Name: "report.pdf", Data: []byte("one")}

	first, err := SaveFile(dir, f)
	if err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	f.Data = []byte("two")
	second, err := SaveFile(dir, f)
	if err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	if filepath.Base(first) != "report.pdf" {
		t.Errorf("expected report.pdf, got %s", first)
	}
	if filepath.Base(second) != "report (1).pdf" {
		t.Errorf("expected report (1).pdf, got %s", second)
	}
	got, err := os.ReadFile(first)
	if err != nil || string(got) != "one" {
		t.Errorf("original file changed: %q %v", got, err)
	}
}

func TestSaveFileStripsDirectories(t *testing.T) {
	dir := t.TempDir()

	path, err := SaveFile(dir, ReceivedFile{Name: "../../etc/passwd", Data: []byte("x")})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if filepath.Dir(path) != dir || filepath.Base(path) != "passwd" {
		t.Errorf("file escaped the download dir: %s", path)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFile(path, 0)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if f.Name != "notes.txt" || string(f.Data) != "hello" {
		t.Errorf("unexpected file %+v", f)
	}
	if !strings.HasPrefix(f.MimeType, "text/plain") {
		t.Errorf("expected text/plain, got %s", f.MimeType)
	}

	if _, err := LoadFile(path, 4); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
	if _, err := LoadFile(dir, 0); err == nil {
		t.Error("expected error loading a directory")
	}
}

func TestDetectMimeType(t *testing.T) {
	if got := DetectMimeType("blob", nil); got != "application/octet-stream" {
		t.Errorf("empty data: got %s", got)
	}
	if got := DetectMimeType("page", []byte("<html><body>hi</body></html>")); !strings.HasPrefix(got, "text/html") {
		t.Errorf("sniffed html: got %s", got)
	}
	if got := DetectMimeType("x.PNG", nil); got != "image/png" {
		t.Errorf("extension: got %s", got)
	}
}

func TestDigest(t *testing.T) {
	got, err := Digest(strings.NewReader("abc"))
	if err != nil {
		t.Fatal(err)
	}
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("Digest = %s, want %s", got, want)
	}
}
