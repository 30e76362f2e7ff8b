package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mongoschema/mongoschema/internal/config"
	"github.com/mongoschema/mongoschema/internal/confirm"
	"github.com/mongoschema/mongoschema/internal/extract"
	"github.com/mongoschema/mongoschema/internal/lock"
	"github.com/mongoschema/mongoschema/internal/reconcile"
	"github.com/mongoschema/mongoschema/internal/report"
	"github.com/mongoschema/mongoschema/internal/snapshot"
	"github.com/mongoschema/mongoschema/internal/storage"
)

var (
	importFile         string
	importDatabases    string
	importDropDBs      bool
	importDropColls    bool
	importForceIndexes bool
	importParallel     int
	importAssumeYes    bool
	importReport       string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Reconcile the server against a snapshot",
	Long: `Create the collections and indexes of a snapshot on the server.

By default the run is additive: existing collections are left alone and
an existing index with the same name is skipped. --force-index-recreate
replaces indexes whose definition differs. --drop-databases and
--drop-collections destroy data and ask for confirmation unless --yes is
given. The admin, config and local databases are never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runImport(cmd, false, "text")
	},
}

func init() {
	addImportFlags(importCmd)
	importCmd.Flags().BoolVarP(&importAssumeYes, "yes", "y", false, "do not ask for confirmation of destructive flags")
	rootCmd.AddCommand(importCmd)
}

// addImportFlags registers the flags import and plan share.
func addImportFlags(c *cobra.Command) {
	c.Flags().StringVarP(&importFile, "file", "f", "", "snapshot path or s3://bucket/key (default: schema.json)")
	c.Flags().StringVarP(&importDatabases, "databases", "d", "", "comma-separated databases to apply, or * for all")
	c.Flags().BoolVar(&importDropDBs, "drop-databases", false, "drop each selected database before applying it")
	c.Flags().BoolVar(&importDropColls, "drop-collections", false, "drop and recreate every snapshot collection")
	c.Flags().BoolVar(&importForceIndexes, "force-index-recreate", false, "replace indexes whose definition differs")
	c.Flags().IntVar(&importParallel, "parallel", 1, "databases processed at once")
	c.Flags().StringVar(&importReport, "report", "", "write the run report as JSON to this path")
}

func applyImportFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("file") {
		cfg.Import.File = importFile
	}
	if flags.Changed("databases") {
		cfg.Import.Databases = extract.ParseDatabaseList(importDatabases)
	}
	if flags.Changed("drop-databases") {
		cfg.Import.DropDatabases = importDropDBs
	}
	if flags.Changed("drop-collections") {
		cfg.Import.DropCollections = importDropColls
	}
	if flags.Changed("force-index-recreate") {
		cfg.Import.ForceIndexRecreate = importForceIndexes
	}
	if flags.Changed("parallel") {
		cfg.Import.Parallelism = importParallel
	}
	if flags.Changed("report") {
		cfg.Import.Report = importReport
	}
}

func importOptions(cfg *config.Config, dryRun bool) reconcile.Options {
	return reconcile.Options{
		Databases:           cfg.Import.Databases,
		DropDatabaseFirst:   cfg.Import.DropDatabases,
		DropCollectionFirst: cfg.Import.DropCollections,
		ForceIndexRecreate:  cfg.Import.ForceIndexRecreate,
		Parallelism:         cfg.Import.Parallelism,
		DryRun:              dryRun,
	}
}

// loadSnapshot reads and parses the snapshot at location. Every failure
// is a FormatError.
func loadSnapshot(ctx context.Context, location string, aws storage.AWSOptions) (*snapshot.Snapshot, error) {
	store, err := storage.Open(ctx, location, aws)
	if err != nil {
		return nil, &snapshot.FormatError{Path: location, Msg: "opening snapshot", Err: err}
	}
	data, err := store.Read(ctx)
	if err != nil {
		return nil, &snapshot.FormatError{Path: location, Msg: "reading snapshot", Err: err}
	}
	snap, err := snapshot.Unmarshal(data)
	if err != nil {
		var fe *snapshot.FormatError
		if errors.As(err, &fe) {
			fe.Path = location
		}
		return nil, err
	}
	return snap, nil
}

// runImport drives both import and plan. The snapshot is fully parsed
// before any connection is made.
func runImport(cmd *cobra.Command, dryRun bool, output string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyImportFlags(cmd, cfg)
	opts := importOptions(cfg, dryRun)

	logger, closer, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	snap, err := loadSnapshot(ctx, cfg.Import.File, awsOptions(cfg))
	if err != nil {
		return err
	}
	logger.Info("snapshot loaded", "location", cfg.Import.File, "summary", snap.Summary())

	if !dryRun {
		actions := confirm.Actions(opts, opts.Targets(snap))
		interactive := confirm.IsTerminal(os.Stdin) && confirm.IsTerminal(os.Stdout)
		if err := confirm.Require(actions, importAssumeYes, interactive, confirm.Run(os.Stdin, os.Stdout)); err != nil {
			return err
		}

		lk, err := lock.Acquire("")
		if err != nil {
			return err
		}
		defer func() {
			if err := lk.Release(); err != nil {
				logger.Warn("releasing lock", "path", lk.Path(), "error", err)
			}
		}()
	}

	meta := report.Meta{
		Command:  cmd.Name(),
		Target:   cfg.Connection.ConnectOptions().Describe(),
		Location: cfg.Import.File,
		Snapshot: snap,
		Options:  opts,
	}

	client, err := connect(ctx, cfg, logger)
	if err != nil {
		meta.Err = err
		return finish(cmd, report.Generate(nil, meta), cfg, logger, output)
	}
	defer closeClient(client, logger)

	res, err := reconcile.New(client, opts, logger).Apply(ctx, snap)
	meta.Err = err
	return finish(cmd, report.Generate(res, meta), cfg, logger, output)
}

// finish prints and saves the report and turns failures into the exit
// error.
func finish(cmd *cobra.Command, r *report.RunReport, cfg *config.Config, logger *slog.Logger, output string) error {
	if err := writeReport(cmd.OutOrStdout(), r, output); err != nil {
		return err
	}

	if cfg.Import.Report != "" {
		if err := report.WriteJSON(r, cfg.Import.Report); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		logger.Info("report written", "path", cfg.Import.Report)
	}

	switch {
	case r.Error != "":
		return fmt.Errorf("%s aborted: %s", cmd.Name(), r.Error)
	case r.Failed():
		return fmt.Errorf("%s finished with %d failure(s)", cmd.Name(), len(r.Failures))
	}
	return nil
}
