package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/sessionsync/internal/client"
	"github.com/cory-johannsen/sessionsync/internal/wire"
)

type listing struct {
	Game    string `json:"game" yaml:"game"`
	Session string `json:"session" yaml:"session"`
}

func newListCmd(root *rootOptions) *cobra.Command {
	var game, output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions that are still waiting for players",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			entries, err := client.ListSessions(cmd.Context(), root.server, game, cfg.Client.DialTimeout)
			if err != nil {
				return err
			}
			return writeListing(cmd, entries, output)
		},
	}
	cmd.Flags().StringVar(&game, "game", "", "only list sessions of this game")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")
	return cmd
}

func writeListing(cmd *cobra.Command, entries []wire.Listing, format string) error {
	out := make([]listing, 0, len(entries))
	for _, e := range entries {
		out = append(out, listing{Game: e.Game, Session: e.Session})
	}

	w := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(out)
	case "text":
		if len(out) == 0 {
			_, err := fmt.Fprintln(w, "no open sessions")
			return err
		}
		for _, e := range entries {
			if _, err := fmt.Fprintln(w, e.String()); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
