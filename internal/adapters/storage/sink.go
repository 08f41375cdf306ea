// Package storage keeps local copies of finished recordings.
package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/dkeye/peercall/internal/app/recording"
)

// Sink writes artifacts into one directory, replacing an older file of the
// same name.
type Sink struct {
	fs  afero.Fs
	dir string
}

func NewSink(fs afero.Fs, dir string) *Sink {
	return &Sink{fs: fs, dir: dir}
}

func (s *Sink) Save(_ context.Context, a recording.Artifact) (string, error) {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, filepath.Base(a.Name))
	if err := afero.WriteFile(s.fs, path, a.Data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	log.Info().Str("module", "storage").Str("path", path).Int("bytes", len(a.Data)).Msg("recording saved")
	return path, nil
}
