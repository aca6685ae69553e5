package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/droidbackup/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past tasks",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of tasks to show (0 shows all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := ensureDataDir(cfg); err != nil {
		return err
	}
	st, err := store.Open(ctx, log.Logger, cfg.Storage.Database)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	tasks, err := st.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks yet.")
		return nil
	}
	if historyLimit > 0 && len(tasks) > historyLimit {
		tasks = tasks[:historyLimit]
	}

	for _, t := range tasks {
		status := "done"
		switch {
		case !t.Finalized():
			status = "interrupted"
		case t.FailureCount > 0:
			status = "failed"
		}
		where := t.BackupDir
		if t.Cloud != "" {
			where = t.Cloud + ":" + t.BackupDir
		}
		fmt.Printf("#%-4d %-7s %-8s %-11s %3d/%-3d %8s  %s  %s\n",
			t.ID, t.OpType, t.TargetType, status,
			t.SuccessCount, t.TotalCount,
			humanize.Bytes(uint64(max(t.RawBytes, 0))),
			humanize.Time(time.UnixMilli(t.StartTimestamp)),
			where)
	}
	return nil
}
