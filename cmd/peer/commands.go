package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/dkeye/peercall/internal/adapters/transcribe"
	"github.com/dkeye/peercall/internal/app/call"
	"github.com/dkeye/peercall/internal/app/recording"
	"github.com/dkeye/peercall/internal/domain"
)

var callCmd = &cobra.Command{
	Use:   "call [peer-id]",
	Short: "Join the room and call the other member",
	Long: `Join the room and call the other member once it appears, or the given
session id right away. With --record-for the session is recorded and sent
for transcription after the call connects.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPeer(cmd, func(ctx context.Context, p *peer) error {
			if err := p.joinRoom(ctx); err != nil {
				return err
			}
			var remote domain.SessionID
			if len(args) == 1 {
				remote = domain.SessionID(args[0])
			} else {
				n, err := p.await(ctx, call.NotifyPeerJoined)
				if err != nil {
					return err
				}
				remote = n.Peer
			}
			if err := p.ctrl.StartCall(ctx, remote); err != nil {
				return err
			}
			if _, err := p.await(ctx, call.NotifyConnected); err != nil {
				return err
			}
			return p.record(ctx)
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join the room and wait for a call",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withPeer(cmd, func(ctx context.Context, p *peer) error {
			if err := p.joinRoom(ctx); err != nil {
				return err
			}
			for {
				n, err := p.await(ctx, call.NotifyIncomingCall, call.NotifyConnected)
				if err != nil {
					return err
				}
				if n.Kind == call.NotifyConnected {
					return p.record(ctx)
				}
				log.Info().Str("module", "peer").Str("from", string(n.Peer)).Msg("accepting call")
				if err := p.ctrl.AcceptCall(ctx); err != nil {
					return err
				}
			}
		})
	},
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file>",
	Short: "Send an existing recording to the transcription service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Peer.TranscribeURL == "" {
			return errors.New("no transcription url configured")
		}
		data, err := afero.ReadFile(afero.NewOsFs(), args[0])
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		text, err := transcribe.New(cfg.Peer.TranscribeURL, cfg.Peer.TranscribeTimeout).
			Transcribe(ctx, recording.Artifact{Name: args[0], MimeType: recording.PreferredMimeType, Data: data})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	},
}

// withPeer builds a peer from the command's configuration, runs fn and
// hangs up afterwards.
func withPeer(cmd *cobra.Command, fn func(context.Context, *peer) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Peer.Room == "" {
		return errors.New("--room is required")
	}
	p, err := newPeer(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()
	p.start(runCtx)

	err = fn(ctx, p)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if hangErr := p.ctrl.HangUp(runCtx); hangErr != nil {
		log.Debug().Err(hangErr).Str("module", "peer").Msg("hang up")
	}
	return err
}
