package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fmotools/qsolog/internal/config"
	"github.com/fmotools/qsolog/internal/database"
	"github.com/fmotools/qsolog/internal/fmo"
	"github.com/fmotools/qsolog/internal/fmosync"
	"github.com/fmotools/qsolog/internal/logbook"
	"github.com/fmotools/qsolog/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "qsolog",
		Short: "FMO QSO log viewer and synchronization client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newImportCmd(),
		newSyncCmd(),
		newWatchCmd(),
		newLogsCmd(),
		newLeaderboardCmd(),
		newFriendsCmd(),
		newContactsCmd(),
		newOperatorsCmd(),
		newStatsCmd(),
		newExportCmd(),
		newClearCmd(),
		newControlCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("device-address", defaults.GetString("device.address"), "FMO device address")
	cmd.PersistentFlags().String("device-protocol", defaults.GetString("device.protocol"), "Device websocket protocol (ws or wss)")
	cmd.PersistentFlags().String("operator", defaults.GetString("sync.operator"), "Operator callsign to work with")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "device.address", "device-address")
	bindFlag(cmd, "device.protocol", "device-protocol")
	bindFlag(cmd, "sync.operator", "operator")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// app bundles the shared dependencies one command invocation needs.
type app struct {
	cfg    config.AppConfig
	logger *zap.Logger
	store  *logbook.Store
	query  *logbook.QueryEngine
	close  func()
}

func newApp() (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	store, err := logbook.NewStore(logbook.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}

	query, err := logbook.NewQueryEngine(logbook.QueryConfig{Store: store})
	if err != nil {
		return nil, err
	}

	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		logger.Sync() //nolint:errcheck
	}

	return &app{cfg: cfg, logger: logger, store: store, query: query, close: closeFn}, nil
}

// resolveOperator picks the operator to act for: the configured one, else the
// first registered callsign (nothing selected is a normal state for queries).
func (a *app) resolveOperator(ctx context.Context) (string, error) {
	if a.cfg.Operator != "" {
		return a.cfg.Operator, nil
	}
	operators, err := a.store.ListOperators(ctx)
	if err != nil {
		return "", err
	}
	if len(operators) == 0 {
		return "", nil
	}
	return operators[0], nil
}

func (a *app) deviceURL() (string, error) {
	if a.cfg.DeviceAddress == "" {
		return "", fmt.Errorf("device.address is required for device operations")
	}
	return fmo.DeviceURL(a.cfg.DeviceProtocol, a.cfg.DeviceAddress), nil
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.db> [more.db...]",
		Short: "Import bulk QSO log databases",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			sources := make([]logbook.SourceFile, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				sources = append(sources, logbook.SourceFile{Name: filepath.Base(path), Data: data})
			}

			importer, err := logbook.NewImporter(logbook.ImporterConfig{Store: a.store, Logger: a.logger})
			if err != nil {
				return err
			}

			result, err := importer.Import(cmd.Context(), sources, func(p logbook.ImportProgress) {
				fmt.Printf("[%d/%d] %s: %d records\n", p.Current, p.Total, p.Callsign, p.Imported)
			})
			if errors.Is(err, logbook.ErrNoData) {
				return fmt.Errorf("no data imported: no usable rows found and no operators on file")
			}
			if err != nil {
				return err
			}

			fmt.Printf("imported %d records for %d operator(s)\n", result.TotalImported, len(result.Callsigns))
			if result.Failed > 0 {
				fmt.Printf("skipped %d malformed row(s)\n", result.Failed)
			}
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync today's contacts from the device now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			url, err := a.deviceURL()
			if err != nil {
				return err
			}
			operator, err := a.resolveOperator(cmd.Context())
			if err != nil {
				return err
			}

			engine, err := fmosync.NewEngine(fmosync.Config{
				Store:     a.store,
				NewClient: func() fmosync.Client { return fmo.NewClient(url, a.logger) },
				Operator:  func() string { return operator },
				Logger:    a.logger,
			})
			if err != nil {
				return err
			}
			defer engine.Close()

			fmt.Println("connecting to device...")
			outcome, err := engine.SyncToday(cmd.Context(), func(status string) {
				fmt.Println(status)
			})
			if err != nil {
				return err
			}

			fmt.Printf("sync finished, %d record(s) updated\n", outcome.Synced)
			if outcome.ReloadRecommended {
				fmt.Println("first records on file; rerun your queries to see them")
			}
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll the device continuously until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			url, err := a.deviceURL()
			if err != nil {
				return err
			}
			operator, err := a.resolveOperator(cmd.Context())
			if err != nil {
				return err
			}

			tracker := fmosync.NewSpeakingTracker(nil)
			stream, err := fmo.NewEventStream(fmo.EventStreamConfig{
				BaseURL: url,
				Handler: func(update fmo.SpeakerUpdate) {
					tracker.Observe(update.Callsign, update.Speaking)
				},
				Logger: a.logger,
			})
			if err != nil {
				return err
			}

			engine, err := fmosync.NewEngine(fmosync.Config{
				Store:            a.store,
				NewClient:        func() fmosync.Client { return fmo.NewClient(url, a.logger) },
				Operator:         func() string { return operator },
				Speaking:         tracker,
				EventsConnected:  stream.Connected,
				PollInterval:     a.cfg.PollInterval,
				FullSyncInterval: a.cfg.FullSyncInterval,
				Logger:           a.logger,
				OnSyncComplete: func(outcome fmosync.Outcome) {
					a.logger.Info("sync picked up new contacts",
						zap.Int("synced", outcome.Synced),
						zap.Strings("correspondents", outcome.Correspondents),
						zap.Bool("reload_recommended", outcome.ReloadRecommended))
				},
			})
			if err != nil {
				return err
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				if err := stream.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Warn("event stream stopped", zap.Error(err))
				}
			}()

			a.logger.Info("watching device",
				zap.String("url", url),
				zap.String("operator", operator))
			err = engine.Run(signalCtx)
			engine.Close()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newLogsCmd() *cobra.Command {
	var (
		page   int
		search string
		date   string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the recent contact log",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			operator, err := a.resolveOperator(cmd.Context())
			if err != nil {
				return err
			}

			result, err := a.query.ListRecent(cmd.Context(), logbook.RecentParams{
				Operator: operator,
				Search:   search,
				Date:     date,
				Page:     page,
			})
			if err != nil {
				return err
			}

			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "TIME\t#\tCORRESPONDENT\tFREQ\tMODE\tRELAY\tCOMMENT")
			for _, contact := range result.Data {
				fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
					logbook.FormatTimestamp(contact.Timestamp),
					contact.DailyIndex,
					contact.CorrespondentCallsign,
					logbook.FormatFrequency(contact.FrequencyHz),
					contact.Mode,
					contact.RelayName,
					contact.Comment)
			}
			writer.Flush()
			fmt.Printf("page %d of %d, %d record(s)\n", result.Page, result.TotalPages, result.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().StringVar(&search, "search", "", "Filter by correspondent callsign substring")
	cmd.Flags().StringVar(&date, "date", "", "Filter by UTC day (YYYY-MM-DD)")
	return cmd
}

func newLeaderboardCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Rank correspondents, grids or relays by contact count",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			operator, err := a.resolveOperator(cmd.Context())
			if err != nil {
				return err
			}

			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer writer.Flush()

			switch by {
			case "relay":
				entries, err := a.query.RelayRollup(cmd.Context(), operator)
				if err != nil {
					return err
				}
				fmt.Fprintln(writer, "RELAY\tCOUNT")
				for _, entry := range entries {
					fmt.Fprintf(writer, "%s\t%d\n", entry.RelayName, entry.Count)
				}
			case "grid":
				entries, err := a.query.GridRollup(cmd.Context(), operator)
				if err != nil {
					return err
				}
				fmt.Fprintln(writer, "GRID\tCOUNT")
				for _, entry := range entries {
					fmt.Fprintf(writer, "%s\t%d\n", entry.Key, entry.Count)
				}
			case "callsign":
				entries, err := a.query.Leaderboard(cmd.Context(), operator)
				if err != nil {
					return err
				}
				fmt.Fprintln(writer, "CALLSIGN\tCOUNT")
				for _, entry := range entries {
					fmt.Fprintf(writer, "%s\t%d\n", entry.Key, entry.Count)
				}
			default:
				return fmt.Errorf("unknown rollup %q: use callsign, grid or relay", by)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "callsign", "Rollup dimension: callsign, grid or relay")
	return cmd
}

func newFriendsCmd() *cobra.Command {
	var (
		page   int
		search string
	)
	cmd := &cobra.Command{
		Use:   "friends",
		Short: "Show correspondents with repeated contacts over time",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			operator, err := a.resolveOperator(cmd.Context())
			if err != nil {
				return err
			}

			result, err := a.query.OldFriends(cmd.Context(), operator, search, page, 0)
			if err != nil {
				return err
			}

			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "CALLSIGN\tCOUNT\tFIRST\tLATEST\tGRID")
			for _, friend := range result.Data {
				fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\n",
					friend.Callsign,
					friend.Count,
					logbook.FormatTimestamp(friend.FirstTime),
					logbook.FormatTimestamp(friend.LatestTime),
					friend.Grid)
			}
			writer.Flush()
			fmt.Printf("page %d of %d, %d correspondent(s)\n", result.Page, result.TotalPages, result.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().StringVar(&search, "search", "", "Filter by correspondent callsign substring")
	return cmd
}

func newContactsCmd() *cobra.Command {
	var page int
	cmd := &cobra.Command{
		Use:   "contacts <correspondent>",
		Short: "Show every contact with one correspondent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			operator, err := a.resolveOperator(cmd.Context())
			if err != nil {
				return err
			}

			result, err := a.query.ListByCorrespondent(cmd.Context(), operator, args[0], page, 0)
			if err != nil {
				return err
			}

			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "TIME\tFREQ\tMODE\tRELAY\tCOMMENT")
			for _, contact := range result.Data {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
					logbook.FormatTimestamp(contact.Timestamp),
					logbook.FormatFrequency(contact.FrequencyHz),
					contact.Mode,
					contact.RelayName,
					contact.Comment)
			}
			writer.Flush()
			fmt.Printf("page %d of %d, %d record(s)\n", result.Page, result.TotalPages, result.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	return cmd
}

func newOperatorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "operators",
		Short: "List operator callsigns on file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			operators, err := a.store.ListOperators(cmd.Context())
			if err != nil {
				return err
			}
			for _, operator := range operators {
				fmt.Println(operator)
			}
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show headline numbers for the selected operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			operator, err := a.resolveOperator(cmd.Context())
			if err != nil {
				return err
			}

			stats, err := a.query.GetStats(cmd.Context(), operator)
			if err != nil {
				return err
			}
			fmt.Printf("operator: %s\ntotal: %d\ntoday: %d\nunique correspondents: %d\n",
				operator, stats.Total, stats.Today, stats.UniqueCorrespondents)
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the selected operator's log as a .db file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			operator, err := a.resolveOperator(cmd.Context())
			if err != nil {
				return err
			}
			if operator == "" {
				return fmt.Errorf("no operator on file to export")
			}

			fileName, data, err := a.store.Export(cmd.Context(), operator)
			if err != nil {
				return err
			}
			outPath := filepath.Join(outDir, fileName)
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("exported %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", ".", "Output directory")
	return cmd
}

func newClearCmd() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Irreversibly delete all local log data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("refusing to delete all data without --yes")
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.ClearAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("all local log data cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm deletion")
	return cmd
}

func newControlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "control <packet>",
		Short: "Send a pre-built control packet to the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			url, err := a.deviceURL()
			if err != nil {
				return err
			}

			client := fmo.NewClient(url, a.logger)
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
			defer cancel()
			if err := client.SendControlCommand(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("command acknowledged")
			return nil
		},
	}
}
