package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mongoschema/mongoschema/internal/report"
	"github.com/mongoschema/mongoschema/internal/target"
)

var planOutput string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what import would change, without changing anything",
	Long: `Run import in dry-run mode. The server is read but never modified; every
mutation import would issue is listed in order. Takes the same flags as
import.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch planOutput {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("unknown output format %q (text, json, yaml)", planOutput)
		}
		return runImport(cmd, true, planOutput)
	},
}

func init() {
	addImportFlags(planCmd)
	planCmd.Flags().StringVarP(&planOutput, "output", "o", "text", "output format: text, json, yaml")
	rootCmd.AddCommand(planCmd)
}

// planDocument is the machine-readable form of a plan.
type planDocument struct {
	Target     string        `yaml:"target"`
	Snapshot   string        `yaml:"snapshot"`
	ExportedAt time.Time     `yaml:"exported_at"`
	Status     string        `yaml:"status"`
	Databases  []string      `yaml:"databases"`
	Operations []target.Call `yaml:"operations"`
	Failures   []string      `yaml:"failures,omitempty"`
}

func writeReport(w io.Writer, r *report.RunReport, output string) error {
	switch output {
	case "json":
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling report: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		doc := planDocument{
			Target:     r.Target,
			Snapshot:   r.Snapshot.Location,
			ExportedAt: r.Snapshot.ExportedAt,
			Status:     r.Status,
			Operations: r.Planned,
			Failures:   r.Failures,
		}
		for _, db := range r.Databases {
			if db.Action != "skipped" {
				doc.Databases = append(doc.Databases, db.Name)
			}
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding plan: %w", err)
		}
		return enc.Close()
	default:
		_, err := fmt.Fprint(w, report.Render(r))
		return err
	}
}
