package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dayuer/nanobot-group/internal/config"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize nanobot configuration, roster and workspace",
	RunE:  runOnboard,
}

var onboardName string

func init() {
	onboardCmd.Flags().StringVarP(&onboardName, "name", "n", "", "Display name of this bot")
	rootCmd.AddCommand(onboardCmd)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := resolvedConfigPath()

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "Config already exists at %s\n", path)
	} else {
		cfg := config.DefaultConfig()
		cfg.Agent.Name = onboardName
		if err := config.Save(cfg, path); err != nil {
			return fmt.Errorf("creating config: %w", err)
		}
		fmt.Fprintf(out, "✓ Created config at %s\n", path)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rosterPath := cfg.RosterPath()
	if _, err := os.Stat(rosterPath); os.IsNotExist(err) {
		name := cfg.Agent.Name
		if name == "" {
			name = "nanobot"
		}
		template := []config.RosterMember{
			{Name: name, Type: "bot", Description: "General assistant", FeishuOpenID: "ou_replace_me"},
		}
		if err := config.SaveRoster(rosterPath, template); err != nil {
			return fmt.Errorf("creating roster: %w", err)
		}
		fmt.Fprintf(out, "✓ Created roster template at %s\n", rosterPath)
	}

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	fmt.Fprintf(out, "✓ Workspace at %s\n", workspace)

	templates := map[string]string{
		"AGENTS.md": "# Agent Instructions\n\nYou are a helpful AI assistant in a group chat shared with people and other bots. Be concise, accurate, and friendly.\n\n## Role\n\nDescribe what this bot is responsible for. Peers read the first lines of this file when deciding who should answer.\n",
		"SOUL.md":   "# Soul\n\nI am a lightweight AI assistant.\n\n## Personality\n\n- Helpful and friendly\n- Concise and to the point\n",
		"USER.md":   "# User\n\nInformation about the people in the group goes here.\n",
	}
	for filename, content := range templates {
		p := filepath.Join(workspace, filename)
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if err := os.WriteFile(p, []byte(content), 0644); err != nil {
				return err
			}
			fmt.Fprintf(out, "  Created %s\n", filename)
		}
	}

	fmt.Fprintln(out, "\n🤖 nanobot is ready!")
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Set agent.name, the provider key and channel.feishu in %s\n", path)
	fmt.Fprintf(out, "  2. List every bot of the group in %s\n", rosterPath)
	fmt.Fprintln(out, "  3. Run: nanobot gateway")
	return nil
}
