package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/avery/foreman/internal/config"
	"github.com/avery/foreman/internal/logging"
)

const pidFileName = "foreman.pid"

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage background daemon",
	Long:  `Start, stop, or check status of the foreman background daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start background daemon",
	Long: `Start the foreman daemon as a background process.

The daemon runs scheduling passes on the configured cron schedule,
assigning and executing eligible tasks until stopped.`,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop background daemon",
	Long:  `Stop the running foreman daemon by sending SIGTERM.`,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	RunE:  runDaemonStatus,
}

var daemonForegroundFlag bool

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForegroundFlag, "foreground", "f", false, "Run in foreground (don't daemonize)")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

// pidFilePath returns the path to the PID file.
func pidFilePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "foreman", pidFileName)
}

func writePidFile() error {
	if err := os.MkdirAll(filepath.Dir(pidFilePath()), 0755); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPidFile() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}

func removePidFile() error {
	return os.Remove(pidFilePath())
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; send signal 0 to check if alive
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

func isDaemonRunning() (bool, int) {
	pid, err := readPidFile()
	if err != nil {
		return false, 0
	}
	return isProcessRunning(pid), pid
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if running, pid := isDaemonRunning(); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	if daemonForegroundFlag {
		return runDaemonLoop(cmd.Context())
	}

	// Daemonize: start a new process with --foreground flag
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("getting executable: %w", err)
	}

	cliArgs := []string{"daemon", "start", "--foreground"}
	if configFlag != "" {
		cliArgs = append(cliArgs, "--config", configFlag)
	}
	child := exec.Command(executable, cliArgs...)
	child.Stdout = nil
	child.Stderr = nil
	child.Stdin = nil
	// Detach from parent process group
	child.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	fmt.Printf("daemon started (pid %d)\n", child.Process.Pid)
	return nil
}

func runDaemonLoop(parent context.Context) error {
	rt, err := openRuntime(parent)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := logging.Init(rt.cfg.LogOptions()); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("daemon")

	if err := writePidFile(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = removePidFile() }()

	log.Info("daemon starting")

	res, err := rt.resolver()
	if err != nil {
		return err
	}
	sched := rt.scheduler(res)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	// A pass that outlives its cron slot blocks the next one rather
	// than stacking passes.
	var passRunning atomic.Bool
	runPass := func() {
		if !passRunning.CompareAndSwap(false, true) {
			log.Warn("previous pass still running, skipping")
			return
		}
		defer passRunning.Store(false)

		summary, err := sched.ProcessEligible(ctx)
		if err != nil {
			log.Errorf("pass aborted: %v", err)
			return
		}
		log.Event("info").
			Int("assigned", summary.Assigned).
			Int("completed", summary.Completed).
			Int("blocked", summary.Blocked).
			Int("failed", summary.Failed).
			Int("hiring", summary.HiringRequests).
			Str("duration", summary.Duration.Round(time.Millisecond).String()).
			Msg("pass complete")
	}

	c := cron.New()
	entryID, err := c.AddFunc(rt.cfg.Daemon.Schedule, runPass)
	if err != nil {
		return fmt.Errorf("invalid daemon schedule %q: %w", rt.cfg.Daemon.Schedule, err)
	}
	c.Start()

	// First pass immediately; the cron entry covers the rest.
	runPass()
	log.Infof("daemon running, next pass at %s", c.Entry(entryID).Next.Format(time.RFC3339))

	<-ctx.Done()

	stopped := c.Stop()
	<-stopped.Done()

	log.Info("daemon stopped")
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	running, pid := isDaemonRunning()
	if !running {
		// Check if PID file exists but process is dead
		if _, err := readPidFile(); err == nil {
			_ = removePidFile()
			fmt.Println("daemon not running (stale pid file removed)")
			return nil
		}
		fmt.Println("daemon not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	fmt.Printf("stopping daemon (pid %d)...\n", pid)

	timeout := time.After(10 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-timeout:
			fmt.Println("daemon did not stop, sending SIGKILL")
			_ = process.Signal(syscall.SIGKILL)
			_ = removePidFile()
			return nil
		case <-tick.C:
			if !isProcessRunning(pid) {
				fmt.Println("daemon stopped")
				_ = removePidFile()
				return nil
			}
		}
	}
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	running, pid := isDaemonRunning()
	if !running {
		fmt.Println("Status: not running")
		return nil
	}

	fmt.Printf("Status: running\n")
	fmt.Printf("PID: %d\n", pid)

	if cfg, err := config.Load(configFlag); err == nil {
		fmt.Printf("Schedule: cron %s\n", cfg.Daemon.Schedule)
		if spec, err := cron.ParseStandard(cfg.Daemon.Schedule); err == nil {
			fmt.Printf("Next pass: %s\n", spec.Next(time.Now()).Format(time.RFC3339))
		}
	}

	fmt.Printf("PID file: %s\n", pidFilePath())
	return nil
}
