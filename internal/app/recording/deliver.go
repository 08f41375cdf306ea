package recording

//go:generate mockgen -source=deliver.go -destination=mock_test.go -package=recording

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

// Artifact is a finished recording.
type Artifact struct {
	Name     string
	MimeType string
	Data     []byte
}

// ArtifactSink keeps a local copy of the artifact and returns where.
type ArtifactSink interface {
	Save(ctx context.Context, a Artifact) (string, error)
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, a Artifact) (string, error)
}

// Result of delivering an artifact. A failed transcription leaves Path set.
type Result struct {
	Path    string
	Text    string
	SaveErr error
	Err     error
}

// Deliver saves the artifact locally, then submits it for transcription.
// The two are independent: a failure of one does not skip the other.
func (p *Pipeline) Deliver(ctx context.Context, a Artifact) Result {
	logger := log.With().Str("module", "recording").Str("artifact", a.Name).Logger()
	var res Result

	if p.sink != nil {
		path, err := p.sink.Save(ctx, a)
		if err != nil {
			logger.Error().Err(err).Msg("saving artifact")
			res.SaveErr = err
		} else {
			res.Path = path
			logger.Info().Str("path", path).Msg("artifact saved")
		}
	}

	if p.transcriber == nil {
		p.metrics.Recording("saved")
		return res
	}
	text, err := p.transcriber.Transcribe(ctx, a)
	if err != nil {
		res.Err = core.TranscriptionServiceError("transcribe", err)
		logger.Warn().Err(err).Msg("transcription failed")
		p.metrics.Recording("transcription_failed")
		return res
	}
	res.Text = text
	logger.Info().Int("chars", len(text)).Msg("transcription received")
	p.metrics.Recording("transcribed")
	return res
}
