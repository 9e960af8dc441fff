package spool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTailFileBasic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, "one\ntwo\nthree\n")

	res, err := tailFile(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.lines) != 3 {
		t.Fatalf("lines = %d", len(res.lines))
	}
	if string(res.lines[0]) != "one" || string(res.lines[2]) != "three" {
		t.Errorf("lines = %q", res.lines)
	}
	if res.newOffset != 14 {
		t.Errorf("offset = %d, want 14", res.newOffset)
	}
}

func TestTailFileResumesFromOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, "one\ntwo\n")

	res, _ := tailFile(path, 4)
	if len(res.lines) != 1 || string(res.lines[0]) != "two" {
		t.Errorf("lines = %q", res.lines)
	}
}

func TestTailFileLeavesPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, "full\npartial")

	res, _ := tailFile(path, 0)
	if len(res.lines) != 1 || string(res.lines[0]) != "full" {
		t.Errorf("lines = %q", res.lines)
	}
	if res.newOffset != 5 {
		t.Errorf("offset = %d, want 5 (must not cross the partial line)", res.newOffset)
	}

	// Complete the line: the next pass picks it up.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString(" done\n")
	f.Close()

	res, _ = tailFile(path, res.newOffset)
	if len(res.lines) != 1 || string(res.lines[0]) != "partial done" {
		t.Errorf("lines = %q", res.lines)
	}
}

func TestTailFileDropsOversizedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	big := strings.Repeat("x", maxLineBytes+1)
	writeFile(t, path, big+"\nnext\n")

	res, err := tailFile(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.lines) != 1 || string(res.lines[0]) != "next" {
		t.Fatalf("lines = %d, want just the line after the oversized one", len(res.lines))
	}
	if res.newOffset != int64(len(big))+1+5 {
		t.Errorf("offset = %d, did not advance past the dropped line", res.newOffset)
	}
}

func TestTailFileLineCapPerTick(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	var sb strings.Builder
	for range 250 {
		sb.WriteString("line\n")
	}
	writeFile(t, path, sb.String())

	res, _ := tailFile(path, 0)
	if len(res.lines) != maxLinesPerTick {
		t.Errorf("lines = %d, want %d", len(res.lines), maxLinesPerTick)
	}

	// Second pass picks up the rest.
	res2, _ := tailFile(path, res.newOffset)
	if len(res2.lines) != 50 {
		t.Errorf("second pass lines = %d, want 50", len(res2.lines))
	}
}

func TestTailFileTruncatedUnderneath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, "short\n")

	res, err := tailFile(path, 9999)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.lines) != 1 {
		t.Errorf("expected restart from top, lines = %q", res.lines)
	}
}

func TestDiscoverTranscriptsSkipsArchived(t *testing.T) {
	stateDir := t.TempDir()
	live := filepath.Join(stateDir, "agents", "work", "sessions", "abc.jsonl")
	writeFile(t, live, "")
	writeFile(t, filepath.Join(stateDir, "agents", "work", "sessions", "abc.deleted.jsonl"), "")
	writeFile(t, filepath.Join(stateDir, "agents", "work", "sessions", "abc.bak.1.jsonl"), "")

	got := discoverTranscripts(stateDir)
	if len(got) != 1 || got[0] != live {
		t.Errorf("got %v", got)
	}
}
