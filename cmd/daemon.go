// daemon.go: background management for a fleet of bot processes on one host.
//
// Usage:
//
//	nanobot fleet start alpha.json beta.json  start one gateway per config
//	nanobot fleet stop                        SIGTERM every running gateway
//	nanobot fleet restart                     stop, then start the same configs
//	nanobot fleet status                      list running gateways
//
// Every gateway is an independent process. They find each other through the
// relay and transcript backends named in their configs.
package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/nanobot-group/internal/utils"
)

const pidFileName = "fleet.pid"

// fleetMember is one line of the pid file.
type fleetMember struct {
	PID    int
	Config string
}

func init() {
	fleetCmd.AddCommand(fleetStartCmd)
	fleetCmd.AddCommand(fleetStopCmd)
	fleetCmd.AddCommand(fleetRestartCmd)
	fleetCmd.AddCommand(fleetStatusCmd)
	rootCmd.AddCommand(fleetCmd)
}

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Run several bots on this host as background processes",
}

// --- PID file helpers (one "pid<TAB>config" per line) ---

func pidFilePath() string {
	return filepath.Join(utils.GetDataPath(), pidFileName)
}

func writeFleet(members []fleetMember) error {
	if _, err := utils.EnsureDir(filepath.Dir(pidFilePath())); err != nil {
		return err
	}
	lines := make([]string, len(members))
	for i, m := range members {
		lines[i] = strconv.Itoa(m.PID) + "\t" + m.Config
	}
	return os.WriteFile(pidFilePath(), []byte(strings.Join(lines, "\n")+"\n"), 0644)
}

func readFleet() ([]fleetMember, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return nil, err
	}
	return parseFleet(string(data)), nil
}

func parseFleet(data string) []fleetMember {
	var members []fleetMember
	for _, l := range strings.Split(data, "\n") {
		pidStr, cfgPath, _ := strings.Cut(strings.TrimSpace(l), "\t")
		pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
		if err != nil {
			continue
		}
		members = append(members, fleetMember{PID: pid, Config: strings.TrimSpace(cfgPath)})
	}
	return members
}

func removePIDFile() {
	os.Remove(pidFilePath())
}

// isRunning checks if a process with the given PID is alive.
func isRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// runningFleet returns the members whose process is still alive.
func runningFleet() []fleetMember {
	members, err := readFleet()
	if err != nil {
		return nil
	}
	var alive []fleetMember
	for _, m := range members {
		if isRunning(m.PID) {
			alive = append(alive, m)
		}
	}
	if len(alive) == 0 {
		removePIDFile()
	}
	return alive
}

// logFileFor names the log of the gateway started from cfgPath.
func logFileFor(cfgPath string) string {
	base := strings.TrimSuffix(filepath.Base(cfgPath), filepath.Ext(cfgPath))
	return filepath.Join(utils.GetDataPath(), "logs", utils.SafeFilename(base)+".log")
}

// spawnGateway starts `nanobot gateway --config cfgPath` detached from the terminal.
func spawnGateway(exe, cfgPath string) (*os.Process, string, error) {
	logFile := logFileFor(cfgPath)
	if _, err := utils.EnsureDir(filepath.Dir(logFile)); err != nil {
		return nil, "", err
	}
	outFile, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, "", fmt.Errorf("cannot open log file: %w", err)
	}
	defer outFile.Close()

	proc := exec.Command(exe, "gateway", "--config", cfgPath)
	proc.Stdout = outFile
	proc.Stderr = outFile
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	proc.Env = os.Environ()

	if err := proc.Start(); err != nil {
		return nil, "", fmt.Errorf("failed to start gateway: %w", err)
	}
	return proc.Process, logFile, nil
}

// stopFleet sends SIGTERM, waits up to timeout, then kills what is left.
func stopFleet(members []fleetMember, timeout time.Duration) {
	for _, m := range members {
		if proc, err := os.FindProcess(m.PID); err == nil {
			proc.Signal(syscall.SIGTERM)
		}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		allDead := true
		for _, m := range members {
			if isRunning(m.PID) {
				allDead = false
				break
			}
		}
		if allDead {
			removePIDFile()
			return
		}
		time.Sleep(500 * time.Millisecond)
	}

	for _, m := range members {
		if isRunning(m.PID) {
			if proc, err := os.FindProcess(m.PID); err == nil {
				proc.Signal(syscall.SIGKILL)
			}
		}
	}
	time.Sleep(500 * time.Millisecond)
	removePIDFile()
}

func startFleet(cmd *cobra.Command, configs []string) error {
	out := cmd.OutOrStdout()
	if running := runningFleet(); len(running) > 0 {
		return fmt.Errorf("fleet is already running (%d gateways)", len(running))
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot find executable: %w", err)
	}

	fmt.Fprintf(out, "🚀 Starting %d gateway(s)...\n", len(configs))
	var started []fleetMember
	for _, c := range configs {
		abs, err := filepath.Abs(c)
		if err != nil {
			return err
		}
		proc, logFile, err := spawnGateway(exe, abs)
		if err != nil {
			if len(started) > 0 {
				fmt.Fprintf(out, "⚠️ %s failed, stopping %d started gateways...\n", c, len(started))
				stopFleet(started, 5*time.Second)
			}
			return fmt.Errorf("%s: %w", c, err)
		}
		started = append(started, fleetMember{PID: proc.Pid, Config: abs})
		proc.Release()
		fmt.Fprintf(out, "   ✅ %s (PID %d, log: %s)\n", filepath.Base(abs), proc.Pid, logFile)
	}
	if err := writeFleet(started); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n   PID file: %s\n", pidFilePath())
	return nil
}

// --- Subcommands ---

var fleetStartCmd = &cobra.Command{
	Use:   "start <config.json>...",
	Short: "Start one background gateway per config file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return startFleet(cmd, args)
	},
}

var fleetStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop every running gateway of the fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		running := runningFleet()
		if len(running) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "ℹ️ fleet is not running")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "🛑 Stopping %d gateway(s)...\n", len(running))
		stopFleet(running, 10*time.Second)
		fmt.Fprintln(cmd.OutOrStdout(), "✅ All gateways stopped")
		return nil
	},
}

var fleetRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the fleet with the same config files",
	RunE: func(cmd *cobra.Command, args []string) error {
		running := runningFleet()
		if len(running) == 0 {
			return fmt.Errorf("fleet is not running")
		}
		configs := make([]string, len(running))
		for i, m := range running {
			configs[i] = m.Config
		}
		stopFleet(running, 10*time.Second)
		return startFleet(cmd, configs)
	},
}

var fleetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List running gateways",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		running := runningFleet()
		if len(running) == 0 {
			fmt.Fprintln(out, "⚫ fleet is not running")
			return
		}
		fmt.Fprintf(out, "✅ %d gateway(s) running\n", len(running))
		for _, m := range running {
			fmt.Fprintf(out, "   PID %-7d %s\n", m.PID, m.Config)
		}
		fmt.Fprintf(out, "   PID file: %s\n", pidFilePath())
	},
}
