// Package archive persists raw provider batches verbatim so normalization
// bugs can be replayed against the original payloads.
package archive

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jonboulle/clockwork"
)

var unsafeChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// Writer stores one file per batch under a provider-scoped directory as
// {provider}-{identifier}-{timestamp}.json. Writes are best effort: failures
// are logged and never surfaced to the caller.
type Writer struct {
	dir   string
	log   *slog.Logger
	clock clockwork.Clock
}

// NewWriter builds an archive writer rooted at dir.
func NewWriter(dir string, log *slog.Logger, clock clockwork.Clock) *Writer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Writer{dir: dir, log: log, clock: clock}
}

// Save writes one raw batch. It never returns an error; the normalized-result
// path must not depend on archival succeeding.
func (w *Writer) Save(provider, identifier string, raw []byte) {
	if w == nil || len(raw) == 0 {
		return
	}

	ts := w.clock.Now().UTC().Format("20060102T150405Z")
	name := provider + "-" + sanitize(identifier) + "-" + ts + ".json"
	dir := filepath.Join(w.dir, provider)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Warn("archive mkdir failed", slog.String("dir", dir), slog.Any("err", err))
		return
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		w.log.Warn("archive write failed", slog.String("path", path), slog.Any("err", err))
		return
	}
	w.log.Debug("archived batch", slog.String("path", path), slog.Int("bytes", len(raw)))
}

func sanitize(identifier string) string {
	s := strings.ToLower(strings.TrimSpace(identifier))
	s = unsafeChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "batch"
	}
	return s
}
