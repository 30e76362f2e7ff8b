package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mongoschema/mongoschema/internal/extract"
	"github.com/mongoschema/mongoschema/internal/snapshot"
	"github.com/mongoschema/mongoschema/internal/storage"
)

var (
	exportDatabases string
	exportFile      string
	exportCanonical bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a snapshot of collections and indexes",
	Long: `Capture the collections, collection options and index definitions of the
given databases into a JSON snapshot. No documents are read.

The file may be a local path or an s3://bucket/key URI.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("databases") {
			cfg.Export.Databases = extract.ParseDatabaseList(exportDatabases)
		}
		if cmd.Flags().Changed("file") {
			cfg.Export.File = exportFile
		}
		if cmd.Flags().Changed("canonical") {
			cfg.Export.Canonical = exportCanonical
		}
		if len(cfg.Export.Databases) == 0 {
			return extract.ErrNoDatabases
		}

		logger, closer, err := setupLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signalContext(cmd)
		defer stop()

		store, err := storage.Open(ctx, cfg.Export.File, awsOptions(cfg))
		if err != nil {
			return err
		}

		client, err := connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeClient(client, logger)

		snap, err := extract.New(client, logger).Extract(ctx, cfg.Export.Databases)
		if err != nil {
			return err
		}

		data, err := snapshot.Marshal(snap, snapshot.MarshalOptions{
			Canonical: cfg.Export.Canonical,
			Indent:    "  ",
		})
		if err != nil {
			return err
		}
		if err := store.Write(ctx, data); err != nil {
			return err
		}

		logger.Info("snapshot written", "location", store.Location(), "summary", snap.Summary())
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Exported %s to %s\n", snap.Summary(), store.Location())
		if verbose {
			fmt.Fprintln(out, string(data))
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportDatabases, "databases", "d", "", "comma-separated databases to export")
	exportCmd.Flags().StringVarP(&exportFile, "file", "f", "", "snapshot path or s3://bucket/key (default: schema.json)")
	exportCmd.Flags().BoolVar(&exportCanonical, "canonical", false, "write canonical Extended JSON ($numberInt etc.)")
	rootCmd.AddCommand(exportCmd)
}
