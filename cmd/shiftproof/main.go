package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fieldops/shiftproof/internal/assetcache"
	"github.com/fieldops/shiftproof/internal/attendance"
	"github.com/fieldops/shiftproof/internal/config"
	"github.com/fieldops/shiftproof/internal/model"
	"github.com/fieldops/shiftproof/internal/ocr"
	"github.com/fieldops/shiftproof/internal/photo"
	"github.com/fieldops/shiftproof/internal/retention"
	"github.com/fieldops/shiftproof/internal/server"
	"github.com/fieldops/shiftproof/internal/store"
	"github.com/fieldops/shiftproof/internal/sync"
	"github.com/fieldops/shiftproof/internal/validate"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shiftproof: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shiftproof",
		Short: "ShiftProof operations CLI",
		Long: `ShiftProof CLI works against the local attendance database directly:
listing workers, computing weekly stats, pushing and pulling the remote
snapshot, and purging old evidence.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newServeCmd(),
		newWorkersCmd(),
		newStatsCmd(),
		newPushCmd(),
		newPullCmd(),
		newPurgeCmd(),
	)
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, syncer, err := openServices()
			if err != nil {
				return err
			}
			defer st.Close()

			engine := attendance.New(
				st,
				photo.New(cfg.MaxImageDim, cfg.JPEGQuality),
				ocr.NewEngine(cfg.OCREndpoint, cfg.OCRLanguage, cfg.OCRTimeout),
				validate.New(),
			)
			sweeper := retention.New(st, syncer)
			assets := assetcache.New("v1", nil, cfg.CDNOrigins, []string{cfg.BlobAPIBase})

			srv := server.New(cfg, st, engine, syncer, sweeper, nil, assets)
			return srv.Run(cmd.Context())
		},
	}
}

// openServices loads config and opens the store; the caller must Close.
func openServices() (*config.Config, *store.Store, *sync.Syncer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s (is the server running?): %w", cfg.DBPath, err)
	}
	var factory sync.BackendFactory
	if cfg.SyncBackend == "s3" {
		factory = sync.S3Factory(cfg)
	} else {
		factory = sync.GistFactory(cfg.BlobAPIBase)
	}
	return cfg, st, sync.New(st, factory), nil
}

func newWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, err := openServices()
			if err != nil {
				return err
			}
			defer st.Close()
			workers, err := st.Workers()
			if err != nil {
				return err
			}
			if len(workers) == 0 {
				fmt.Println("no workers registered")
				return nil
			}
			for _, w := range workers {
				state := "inactive"
				if w.Active {
					state = "active"
				}
				fmt.Printf("%s  %-24s %-16s %s\n", w.ID, w.Name, w.Branch, state)
			}
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "stats <worker-id>",
		Short: "Show a worker's completed days this week",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, err := openServices()
			if err != nil {
				return err
			}
			defer st.Close()

			reference := time.Now().UTC()
			if date != "" {
				reference, err = time.Parse(model.DateLayout, date)
				if err != nil {
					return fmt.Errorf("invalid date %q, want YYYY-MM-DD", date)
				}
			}
			worker, err := st.GetWorker(args[0])
			if err != nil {
				return err
			}
			records, err := st.WorkerEvidences(worker.ID)
			if err != nil {
				return err
			}
			completed := 0
			for _, rec := range records {
				day, err := time.Parse(model.DateLayout, rec.Date)
				if err != nil {
					continue
				}
				if sameWeek(day, reference) && rec.Complete() {
					completed++
				}
			}
			fmt.Printf("%s: %d/6 days complete in week of %s\n", worker.Name, completed, reference.Format(model.DateLayout))
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Reference date (YYYY-MM-DD), defaults to today")
	return cmd
}

// sameWeek reports whether two dates fall in the same Monday-based week.
func sameWeek(a, b time.Time) bool {
	return weekMonday(a).Equal(weekMonday(b))
}

func weekMonday(t time.Time) time.Time {
	t = t.UTC()
	dow := int(t.Weekday())
	if dow == 0 {
		dow = 7
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, 1-dow)
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Upload the full local snapshot to the remote blob",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, syncer, err := openServices()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := syncer.Push(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("pushed %s\n", sync.SnapshotFilename)
			return nil
		},
	}
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Replace local state with the remote snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, syncer, err := openServices()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := syncer.Pull(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("pulled %s\n", sync.SnapshotFilename)
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	var days int
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete evidence older than the keep window, then push",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, syncer, err := openServices()
			if err != nil {
				return err
			}
			defer st.Close()

			keep := days
			if keep <= 0 {
				keep = cfg.RetentionDays
			}
			if !yes {
				fmt.Printf("delete all evidence older than %d days? This cannot be undone locally [y/N]: ", keep)
				reader := bufio.NewReader(os.Stdin)
				answer, _ := reader.ReadString('\n')
				if strings.ToLower(strings.TrimSpace(answer)) != "y" {
					fmt.Println("aborted")
					return nil
				}
			}
			sweeper := retention.New(st, syncer)
			deleted, err := sweeper.PurgeOlderThan(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d records\n", deleted)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Keep window in days (defaults to SHIFTPROOF_RETENTION_DAYS)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}
