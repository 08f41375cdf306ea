package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerFactory routes pion's internal logging into the global zerolog
// logger. Pion is chatty, so everything below minLevel is dropped.
type loggerFactory struct {
	minLevel zerolog.Level
}

func NewLoggerFactory(minLevel zerolog.Level) logging.LoggerFactory {
	return loggerFactory{minLevel: minLevel}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	l := log.With().Str("module", "pion").Str("scope", scope).Logger().Level(f.minLevel)
	return leveled{l: l}
}

type leveled struct {
	l zerolog.Logger
}

func (z leveled) Trace(msg string) { z.l.Trace().Msg(msg) }
func (z leveled) Tracef(format string, args ...any) { z.l.Trace().Msgf(format, args...) }
func (z leveled) Debug(msg string) { z.l.Debug().Msg(msg) }
func (z leveled) Debugf(format string, args ...any) { z.l.Debug().Msgf(format, args...) }
func (z leveled) Info(msg string) { z.l.Info().Msg(msg) }
func (z leveled) Infof(format string, args ...any) { z.l.Info().Msgf(format, args...) }
func (z leveled) Warn(msg string) { z.l.Warn().Msg(msg) }
func (z leveled) Warnf(format string, args ...any) { z.l.Warn().Msgf(format, args...) }
func (z leveled) Error(msg string) { z.l.Error().Msg(msg) }
func (z leveled) Errorf(format string, args ...any) { z.l.Error().Msgf(format, args...) }
