package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dkeye/peercall/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "Headless peercall client",
	Long: `peer joins a relay room, sets up a direct audio session with the other
member, records the conversation and sends it for transcription.

Examples:
  peer join --room lobby --email bob@example.com
  peer call --room lobby --capture voice.ogg --record-for 20s
  peer transcribe recordings/full_session_audio.ogg`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("config-env", "", "config file suffix (config/config.<env>.yaml)")
	f.String("log-level", "", "log level")
	f.String("signal-url", "", "relay websocket url")
	f.String("email", "", "email announced to the room")
	f.String("room", "", "room to join")
	f.Bool("auto-accept", true, "answer incoming calls without confirmation")
	f.StringSlice("ice-server", nil, "STUN/TURN urls")
	f.String("capture", "", "Ogg/Opus file used as the microphone")
	f.Bool("loop", true, "replay the capture file when it ends")
	f.String("recordings-dir", "", "directory for finished recordings")
	f.Duration("record-for", 0, "record this long once connected, 0 disables recording")
	f.String("transcribe-url", "", "transcription endpoint")
	f.String("metrics-addr", "", "serve prometheus metrics on this address")

	rootCmd.AddCommand(callCmd, joinCmd, transcribeCmd)
}

// loadConfig resolves the configuration for cmd and applies its log level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadWith(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	return cfg, nil
}
