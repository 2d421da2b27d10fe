package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/nanobot-group/internal/bus"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Chat with the agent directly from the terminal",
	RunE:  runAgent,
}

var (
	agentMessage string
	agentChatID  string
)

func init() {
	agentCmd.Flags().StringVarP(&agentMessage, "message", "m", "", "Message to send to the agent")
	agentCmd.Flags().StringVarP(&agentChatID, "session", "s", "direct", "Chat id of the cli session")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := openCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	rosterID := c.rosterIdentity()
	c.wire(func() string { return rosterID })

	out := cmd.OutOrStdout()
	ask := func(input string) error {
		reply, err := c.Loop.Process(ctx, bus.InboundMessage{
			Channel:   "cli",
			SenderID:  "user",
			ChatID:    agentChatID,
			Content:   input,
			Timestamp: time.Now(),
			Metadata:  bus.Metadata{ChatType: bus.ChatTypeP2P},
		})
		if err != nil {
			return err
		}
		if reply != nil {
			fmt.Fprintln(out, reply.Content)
		}
		return nil
	}

	if agentMessage != "" {
		return ask(agentMessage)
	}
	return agentREPL(ctx, cmd.InOrStdin(), out, ask)
}

func agentREPL(ctx context.Context, in io.Reader, out io.Writer, ask func(string) error) error {
	fmt.Fprintln(out, "🤖 nanobot interactive mode (type 'exit' or Ctrl+C to quit)")
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(in)
	exitCommands := map[string]bool{
		"exit": true, "quit": true, "/exit": true, "/quit": true, ":q": true,
	}
	for ctx.Err() == nil {
		fmt.Fprint(out, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if exitCommands[strings.ToLower(input)] {
			fmt.Fprintln(out, "Goodbye!")
			break
		}
		fmt.Fprintln(out)
		if err := ask(input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		fmt.Fprintln(out)
	}
	return scanner.Err()
}
