package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/nanobot-group/internal/transcript"
	"github.com/dayuer/nanobot-group/internal/utils"
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Inspect the shared group transcript",
}

var transcriptShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Print the most recent turns of a session (e.g. feishu:oc_xxx)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscriptShow,
}

var (
	transcriptLimit int
	transcriptJSON  bool
)

func init() {
	transcriptShowCmd.Flags().IntVarP(&transcriptLimit, "limit", "n", transcript.DefaultRecent, "Number of entries")
	transcriptShowCmd.Flags().BoolVar(&transcriptJSON, "json", false, "Print one JSON object per entry")
	transcriptCmd.AddCommand(transcriptShowCmd)
	rootCmd.AddCommand(transcriptCmd)
}

func runTranscriptShow(cmd *cobra.Command, args []string) error {
	session := args[0]
	if _, _, err := utils.ParseSessionKey(session); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	ctx := context.Background()

	rc := &redisClients{}
	defer rc.Close()
	store, err := buildTranscript(ctx, cfg, rc, logger)
	if err != nil {
		return err
	}
	entries, err := store.GetRecent(ctx, session, transcriptLimit)
	if err != nil {
		return err
	}
	return printEntries(cmd.OutOrStdout(), entries, transcriptJSON)
}

func printEntries(out io.Writer, entries []transcript.Entry, asJSON bool) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "(no entries)")
		return nil
	}
	enc := json.NewEncoder(out)
	for _, e := range entries {
		if asJSON {
			if err := enc.Encode(map[string]any{
				"role":       e.Role,
				"content":    e.Content,
				"sender":     e.Sender,
				"message_id": e.MessageID,
				"timestamp":  e.Timestamp,
			}); err != nil {
				return err
			}
			continue
		}
		ts := time.UnixMilli(int64(e.Timestamp)).Format("2006-01-02 15:04:05")
		fmt.Fprintf(out, "[%s] %-9s %s: %s\n", ts, e.Role, e.Sender, e.Content)
	}
	return nil
}
