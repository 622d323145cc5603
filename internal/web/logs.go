package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LogBuffer keeps the most recent log lines for /api/logs. It is an
// io.Writer so it can sit behind the process logger.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{max: maxLines}
}

// maxPartial bounds an unterminated line.
const maxPartial = 64 * 1024

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := p
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.partial = append(b.partial, data[:i]...)
		b.appendLineLocked(string(b.partial))
		b.partial = b.partial[:0]
		data = data[i+1:]
	}
	b.partial = append(b.partial, data...)
	if len(b.partial) > maxPartial {
		b.appendLineLocked(string(b.partial))
		b.partial = b.partial[:0]
	}
	return len(p), nil
}

func (b *LogBuffer) appendLineLocked(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		over := len(b.lines) - b.max
		b.lines = b.lines[over:]
		b.dropped += uint64(over)
	}
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

// Snapshot returns the last tail lines containing match (all lines when
// match is empty), oldest first.
func (b *LogBuffer) Snapshot(tail int, match string) (lines []string, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped = b.dropped
	if tail <= 0 {
		tail = 200
	}
	for i := len(b.lines) - 1; i >= 0 && len(lines) < tail; i-- {
		if match == "" || strings.Contains(b.lines[i], match) {
			lines = append(lines, b.lines[i])
		}
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, dropped
}

func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		tail := 200
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 5000 {
				http.Error(w, "tail must be an integer in [1,5000]", http.StatusBadRequest)
				return
			}
			tail = v
		}

		// e.g. ?match=Fix to see only received positions.
		lines, dropped := b.Snapshot(tail, q.Get("match"))

		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, line := range lines {
				_, _ = fmt.Fprintln(w, line)
			}
			return
		}

		if lines == nil {
			lines = []string{}
		}
		bts, err := json.MarshalIndent(LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		}, "", "  ")
		if err != nil {
			http.Error(w, "marshal failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(bts)
		_, _ = w.Write([]byte("\n"))
	})
}
