package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dayuer/nanobot-group/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Inspect the bot-to-bot relay",
}

var relayTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print relay events as they arrive without injecting them",
	Long: `Print relay events as they arrive. The tail reads under its own consumer
name, so it never moves the read position of a running bot.`,
	RunE: runRelayTail,
}

var (
	relayTailAs   string
	relayTailJSON bool
)

func init() {
	relayTailCmd.Flags().StringVar(&relayTailAs, "as", "relay-tail", "Consumer name used for the read position")
	relayTailCmd.Flags().BoolVar(&relayTailJSON, "json", false, "Print raw events as JSON")
	relayCmd.AddCommand(relayTailCmd)
	rootCmd.AddCommand(relayCmd)
}

func runRelayTail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if relayTailAs == cfg.Agent.Name {
		return fmt.Errorf("--as must differ from agent.name %q", cfg.Agent.Name)
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := &redisClients{}
	defer rc.Close()
	rel, err := buildRelay(ctx, cfg, relayTailAs, rc, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	sub, err := rel.Subscribe(ctx, func(_ context.Context, ev relay.Event) {
		if relayTailJSON {
			enc.Encode(ev)
			return
		}
		fmt.Fprintf(out, "%s %s (%s): %s\n", ev.ChatSession, ev.SenderName, ev.SenderIdentity, ev.Content)
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	fmt.Fprintf(os.Stderr, "tailing %s relay, Ctrl+C to stop\n", cfg.Relay.Backend)
	<-ctx.Done()
	return nil
}
