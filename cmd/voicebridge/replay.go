package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/voicebridge/pkg/recorder"
)

var replaySince uint64

var replayCmd = &cobra.Command{
	Use:   "replay <conversation_id>",
	Short: "Print a conversation's recorded events as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().Uint64Var(&replaySince, "since", 0, "only events with a greater sequence")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	store, err := recorder.OpenStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	evs, err := store.GetEvents(context.Background(), args[0], replaySince)
	if err != nil {
		return fmt.Errorf("replay %s: %w", args[0], err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, ev := range evs {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
