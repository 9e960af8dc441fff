package spool

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Tailer limits.
const (
	maxLinesPerTick = 200
	readBufferSize  = 64 * 1024
	maxLineBytes    = 2 * 1024 * 1024
)

// tailResult is what one tailFile pass produced: complete lines plus the new
// byte offset (the offset never points into the middle of a line).
type tailResult struct {
	lines     [][]byte
	newOffset int64
}

// tailFile reads up to maxLinesPerTick complete lines from path starting at
// offset. Lines longer than maxLineBytes are dropped with the offset advanced
// past them. A trailing partial line (no newline yet) is left for the next
// tick.
func tailFile(path string, offset int64) (*tailResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	// Truncated/rotated underneath us: restart from the top.
	if offset > info.Size() {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	r := bufio.NewReaderSize(f, readBufferSize)
	res := &tailResult{newOffset: offset}

	for len(res.lines) < maxLinesPerTick {
		line, consumed, complete, err := readLine(r)
		if err != nil && err != io.EOF {
			return nil, err
		}
		if !complete {
			break
		}
		res.newOffset += consumed
		if line == nil {
			slog.Warn("oversized transcript line dropped", "path", path, "bytes", consumed)
			continue
		}
		if len(line) > 0 {
			res.lines = append(res.lines, line)
		}
	}
	return res, nil
}

// readLine consumes one newline-terminated line. Returns (nil, consumed,
// true, nil) for a line over maxLineBytes. complete is false when the reader
// ended before a newline.
func readLine(r *bufio.Reader) (line []byte, consumed int64, complete bool, err error) {
	var buf []byte
	var oversized bool
	for {
		chunk, err := r.ReadSlice('\n')
		consumed += int64(len(chunk))
		if !oversized {
			buf = append(buf, chunk...)
			if len(buf) > maxLineBytes {
				oversized = true
				buf = nil
			}
		}
		switch err {
		case nil:
			// Newline found.
			if oversized {
				return nil, consumed, true, nil
			}
			return trimEOL(buf), consumed, true, nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			// No trailing newline: leave the partial line for later.
			return nil, 0, false, io.EOF
		default:
			return nil, 0, false, err
		}
	}
}

func trimEOL(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// isArchivedName reports transcript names the tailer must ignore.
func isArchivedName(name string) bool {
	return strings.Contains(name, ".deleted.") || strings.Contains(name, ".bak.")
}

// discoverTranscripts lists live transcript files under
// {stateDir}/agents/*/sessions/*.jsonl.
func discoverTranscripts(stateDir string) []string {
	pattern := filepath.Join(stateDir, "agents", "*", "sessions", "*.jsonl")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	var out []string
	for _, m := range matches {
		if isArchivedName(filepath.Base(m)) {
			continue
		}
		out = append(out, m)
	}
	return out
}
