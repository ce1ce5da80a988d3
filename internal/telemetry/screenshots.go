package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Screenshots owns the local folder screenshots are written to, with
// epoch-ms prefixed names and a startup cleanup pass against a max age
// (spec.md §4.8).
type Screenshots struct {
	dir string
	log zerolog.Logger
}

// NewScreenshots ensures dir exists and returns a Screenshots bound to it.
func NewScreenshots(dir string, log zerolog.Logger) (*Screenshots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Screenshots{dir: dir, log: log.With().Str("component", "screenshots").Logger()}, nil
}

// Cleanup deletes files in dir older than maxAge, run once at startup
// (spec.md §4.8).
func (s *Screenshots) Cleanup(maxAge time.Duration) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("cleaned up stale screenshots")
	}
	return nil
}

// Save writes png under an epoch-ms prefixed name and returns the
// relative filename (used for <img> src in the HTML report).
func (s *Screenshots) Save(label string, png []byte) (string, error) {
	name := fmt.Sprintf("%d_%s.png", time.Now().UnixMilli(), sanitize(label))
	if err := os.WriteFile(filepath.Join(s.dir, name), png, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

func sanitize(label string) string {
	out := make([]byte, 0, len(label))
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "shot"
	}
	return string(out)
}
