package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/sessionsync/internal/client"
	"github.com/cory-johannsen/sessionsync/internal/observability"
)

type joinOptions struct {
	game     string
	session  string
	players  int
	duration time.Duration
}

func newJoinCmd(root *rootOptions) *cobra.Command {
	opts := &joinOptions{}
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a session as a headless player and report round-trip times",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJoin(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.game, "game", "", "game name")
	cmd.Flags().StringVar(&opts.session, "session", "", "session name")
	cmd.Flags().IntVar(&opts.players, "players", 2, "players the session waits for")
	cmd.Flags().DurationVar(&opts.duration, "duration", 10*time.Second, "how long to stay in the session once it starts")
	_ = cmd.MarkFlagRequired("game")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func runJoin(cmd *cobra.Command, root *rootOptions, opts *joinOptions) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	var ticks atomic.Int64
	var clock atomic.Value
	clock.Store(0.0)
	model := client.ModelFuncs{
		Advance: func(c float64) {
			ticks.Add(1)
			clock.Store(c)
		},
		LoadMessage: func(msg string) {
			logger.Info(msg)
		},
		Pause: func(paused bool) {
			logger.Info("pause toggled", zap.Bool("paused", paused))
		},
	}

	target := client.Target{Addr: root.server, Game: opts.game, Session: opts.session, Players: opts.players}
	c, err := client.Connect(cmd.Context(), target, cfg, model, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if c.Paused() {
		if err := c.PauseToggle(); err != nil {
			return err
		}
	}
	c.Start()

	timer := time.NewTimer(opts.duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.Done():
	case <-cmd.Context().Done():
	}

	rtt := c.RoundTrip()
	_, err = fmt.Fprintf(cmd.OutOrStdout(),
		"slot %d of %d: %d ticks, clock %.3fs, rtt min %s avg %s max %s (%d samples)\n",
		c.ID(), len(c.Players()), ticks.Load(), clock.Load().(float64),
		rtt.Min, rtt.Avg(), rtt.Max, rtt.Samples,
	)
	if err != nil {
		return err
	}
	select {
	case <-c.Done():
		return c.Err()
	default:
		return nil
	}
}
