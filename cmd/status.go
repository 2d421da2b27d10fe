package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dayuer/nanobot-group/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show nanobot status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	name := cfg.Agent.Name
	if name == "" {
		name = "(unset)"
	}
	fmt.Fprintln(out, "🤖 nanobot Status")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Config:    %s\n", resolvedConfigPath())
	fmt.Fprintf(out, "Agent:     %s\n", name)
	fmt.Fprintf(out, "Workspace: %s\n", cfg.WorkspacePath())
	fmt.Fprintf(out, "Model:     %s\n", cfg.Agent.Model)

	fmt.Fprintln(out, "\nGroup:")
	fmt.Fprintf(out, "  Policy:        %s\n", cfg.Group.Policy)
	fmt.Fprintf(out, "  Max depth:     %d\n", cfg.Group.MaxBotReplyDepth)
	fmt.Fprintf(out, "  LLM threshold: %d\n", cfg.Group.LLMThreshold())
	fmt.Fprintf(out, "  LLM check:     %t\n", cfg.Group.LLMCheckEnabled())

	fmt.Fprintln(out, "\nRelay:")
	fmt.Fprintf(out, "  Backend: %s\n", cfg.Relay.Backend)
	switch cfg.Relay.Backend {
	case config.BackendFile:
		fmt.Fprintf(out, "  Dir:     %s\n", cfg.RelayDir())
	case config.BackendRedis:
		fmt.Fprintf(out, "  Stream:  %s\n", cfg.Relay.Stream)
	}

	fmt.Fprintln(out, "\nTranscript:")
	fmt.Fprintf(out, "  Backend: %s\n", cfg.Transcript.Backend)
	if cfg.Transcript.Backend == config.BackendFile {
		fmt.Fprintf(out, "  Dir:     %s\n", cfg.TranscriptDir())
	}

	fmt.Fprintln(out, "\nChannels:")
	if fs := cfg.Channel.Feishu; fs != nil && fs.AppID != "" {
		fmt.Fprintln(out, "  Feishu: ✓")
	} else {
		fmt.Fprintln(out, "  (none)")
	}

	rosterPath := cfg.RosterPath()
	table, err := loadRoster(cfg)
	if err != nil {
		fmt.Fprintf(out, "\nRoster: %s (error: %v)\n", rosterPath, err)
		return nil
	}
	fmt.Fprintf(out, "\nRoster: %s\n", rosterPath)
	for _, m := range table.Members() {
		marker := " "
		if cfg.Agent.Name != "" && m.Name == cfg.Agent.Name {
			marker = "*"
		}
		fmt.Fprintf(out, " %s %-12s %-6s %s\n", marker, m.Name, m.Type, m.ID)
	}
	return nil
}
