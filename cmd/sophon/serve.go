package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ligustah/sophon/internal/server"
	"github.com/ligustah/sophon/internal/task"
)

var serveFlags struct {
	listen    string
	parentPID int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the task API for a launcher",
	Long: `Serve starts the local HTTP API. Install, update and repair requests run
as background tasks; their events stream over /ws/{task_id}.

With --parent-pid (or TERMINATE_WITH_PID) the server shuts down once that
process is gone, so it never outlives the launcher that spawned it.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.listen, "listen", "", "listen address (default from config)")
	serveCmd.Flags().IntVar(&serveFlags.parentPID, "parent-pid", 0, "exit when this process exits")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	d, err := newDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	pid := serveFlags.parentPID
	if pid == 0 {
		if v := os.Getenv("TERMINATE_WITH_PID"); v != "" {
			if pid, err = strconv.Atoi(v); err != nil {
				return withExitCode(ExitInvalidArgs, err)
			}
		}
	}
	if pid > 0 {
		d.logger.Info("monitoring parent process", "pid", pid)
		go watchParent(ctx, pid, time.Second, func() {
			d.logger.Warn("parent process exited, shutting down", "pid", pid)
			cancel()
		})
	}

	addr := serveFlags.listen
	if addr == "" {
		addr = d.cfg.Listen
	}

	registry := task.NewRegistry(task.Options{
		Emitter: d.emitterOptions(),
		Logger:  d.logger,
	})
	srv := server.New(d.engine(), d.api, registry, server.Options{
		Addr:   addr,
		Logger: d.logger,
	})
	return srv.Start(ctx)
}

// watchParent calls onExit once pid is no longer running.
func watchParent(ctx context.Context, pid int, interval time.Duration, onExit func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !processAlive(pid) {
				onExit()
				return
			}
		}
	}
}
