package artifact

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kalambet/boxset/internal/settings"
)

func TestDirSink_Deliver(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	sink := DirSink{Dir: dir}
	a := settings.Artifact{Name: "containers-backup-20260314T150926.535Z.json", Content: []byte(`{"kind":"x"}`)}

	path, err := sink.Deliver(context.Background(), a)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if path != filepath.Join(dir, a.Name) {
		t.Errorf("path = %q", path)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, a.Content) {
		t.Errorf("content = %q", got)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	if _, err := sink.Deliver(context.Background(), a); err == nil {
		t.Error("second delivery with the same name overwrote the file")
	}
}

func TestDirSink_NameCannotEscapeDir(t *testing.T) {
	dir := t.TempDir()
	path, err := DirSink{Dir: dir}.Deliver(context.Background(), settings.Artifact{Name: "../escape.json", Content: []byte("x")})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("artifact written outside %s: %s", dir, path)
	}
}

func TestDirSink_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (DirSink{Dir: t.TempDir()}).Deliver(ctx, settings.Artifact{Name: "a.json"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	loc, err := WriterSink{W: &buf}.Deliver(context.Background(), settings.Artifact{Name: "a.json", Content: []byte("data")})
	if err != nil || loc != "stdout" {
		t.Fatalf("Deliver = %q, %v", loc, err)
	}
	if buf.String() != "data" {
		t.Errorf("written = %q", buf.String())
	}
}
