package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mongoschema/mongoschema/internal/reconcile"
	"github.com/mongoschema/mongoschema/internal/snapshot"
	"github.com/mongoschema/mongoschema/internal/target"
)

// Run statuses.
const (
	StatusComplete = "complete"
	StatusPartial  = "completed_with_failures"
	StatusAborted  = "aborted"
	StatusPlanned  = "planned"
)

// RunReport is the outcome of an import or plan run.
type RunReport struct {
	Version     string          `json:"version"`
	Command     string          `json:"command"`
	GeneratedAt time.Time       `json:"generated_at"`
	Target      string          `json:"target"`
	Snapshot    SnapshotSummary `json:"snapshot"`
	Options     OptionsSummary  `json:"options"`
	Status      string          `json:"status"`
	Totals      Totals          `json:"totals"`
	Databases   []Database      `json:"databases"`
	Planned     []target.Call   `json:"planned,omitempty"`
	Failures    []string        `json:"failures,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// SnapshotSummary describes the applied snapshot.
type SnapshotSummary struct {
	Location    string    `json:"location"`
	ExportedAt  time.Time `json:"exported_at"`
	Databases   int       `json:"databases"`
	Collections int       `json:"collections"`
	Indexes     int       `json:"indexes"`
}

// OptionsSummary echoes the flags the run used.
type OptionsSummary struct {
	Databases           []string `json:"databases,omitempty"`
	DropDatabaseFirst   bool     `json:"drop_databases"`
	DropCollectionFirst bool     `json:"drop_collections"`
	ForceIndexRecreate  bool     `json:"force_index_recreate"`
	Parallelism         int      `json:"parallelism"`
	DryRun              bool     `json:"dry_run"`
}

// Totals counts actions per level.
type Totals struct {
	Databases   map[string]int `json:"databases"`
	Collections map[string]int `json:"collections"`
	Indexes     map[string]int `json:"indexes"`
}

type Database struct {
	Name        string       `json:"name"`
	Action      string       `json:"action"`
	Reason      string       `json:"reason,omitempty"`
	Error       string       `json:"error,omitempty"`
	Collections []Collection `json:"collections,omitempty"`
}

type Collection struct {
	Name    string  `json:"name"`
	Action  string  `json:"action"`
	Error   string  `json:"error,omitempty"`
	Indexes []Index `json:"indexes,omitempty"`
}

type Index struct {
	Name   string `json:"name"`
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

// Meta carries the run context that the reconciliation result lacks.
type Meta struct {
	Command  string
	Target   string
	Location string
	Snapshot *snapshot.Snapshot
	Options  reconcile.Options
	// Err is the run-aborting error returned by Apply, if any.
	Err error
}

// Generate builds a RunReport. res may be nil when the run aborted before
// producing a result.
func Generate(res *reconcile.Result, meta Meta) *RunReport {
	r := &RunReport{
		Version:     "1",
		Command:     meta.Command,
		GeneratedAt: time.Now(),
		Target:      meta.Target,
		Snapshot:    SnapshotSummary{Location: meta.Location},
		Options: OptionsSummary{
			Databases:           meta.Options.Databases,
			DropDatabaseFirst:   meta.Options.DropDatabaseFirst,
			DropCollectionFirst: meta.Options.DropCollectionFirst,
			ForceIndexRecreate:  meta.Options.ForceIndexRecreate,
			Parallelism:         meta.Options.Parallelism,
			DryRun:              meta.Options.DryRun,
		},
		Totals: Totals{
			Databases:   map[string]int{},
			Collections: map[string]int{},
			Indexes:     map[string]int{},
		},
	}
	if s := meta.Snapshot; s != nil {
		r.Snapshot.ExportedAt = s.ExportedAt
		r.Snapshot.Databases, r.Snapshot.Collections, r.Snapshot.Indexes = s.Counts()
	}

	if res != nil {
		counts := res.Counts()
		copyCounts(r.Totals.Databases, counts.Databases)
		copyCounts(r.Totals.Collections, counts.Collections)
		copyCounts(r.Totals.Indexes, counts.Indexes)
		r.Planned = res.Planned

		for _, db := range res.Databases {
			rd := Database{Name: db.Name, Action: string(db.Action), Reason: db.Reason, Error: errString(db.Err)}
			for _, c := range db.Collections {
				rc := Collection{Name: c.Name, Action: string(c.Action), Error: errString(c.Err)}
				for _, idx := range c.Indexes {
					rc.Indexes = append(rc.Indexes, Index{Name: idx.Name, Action: string(idx.Action), Error: errString(idx.Err)})
					if idx.Err != nil {
						r.Failures = append(r.Failures, idx.Err.Error())
					}
				}
				if c.Err != nil {
					r.Failures = append(r.Failures, c.Err.Error())
				}
				rd.Collections = append(rd.Collections, rc)
			}
			if db.Err != nil {
				r.Failures = append(r.Failures, db.Err.Error())
			}
			r.Databases = append(r.Databases, rd)
		}
	}

	switch {
	case meta.Err != nil:
		r.Status = StatusAborted
		r.Error = meta.Err.Error()
	case len(r.Failures) > 0:
		r.Status = StatusPartial
	case meta.Options.DryRun:
		r.Status = StatusPlanned
	default:
		r.Status = StatusComplete
	}
	return r
}

// Failed reports whether the run should exit non-zero.
func (r *RunReport) Failed() bool {
	return r.Status == StatusAborted || r.Status == StatusPartial
}

func copyCounts(dst map[string]int, src map[reconcile.Action]int) {
	for action, n := range src {
		dst[string(action)] = n
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// WriteJSON writes the report as JSON.
func WriteJSON(report *RunReport, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadJSON reads a report from a JSON file.
func ReadJSON(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	r := &RunReport{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return r, nil
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")).BorderStyle(lipgloss.DoubleBorder()).BorderBottom(true).Padding(0, 1)
	headStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// actionStyle colors an action by how much it changed the target.
func actionStyle(action string) lipgloss.Style {
	switch reconcile.Action(action) {
	case reconcile.ActionFailed:
		return errStyle
	case reconcile.ActionCreated, reconcile.ActionApplied:
		return successStyle
	case reconcile.ActionDropped, reconcile.ActionRecreated, reconcile.ActionReplaced:
		return warnStyle
	}
	return dimStyle
}

// Render formats the report for a terminal. Colors are dropped
// automatically when the output is not a terminal.
func Render(r *RunReport) string {
	var b strings.Builder

	title := "Import Report"
	if r.Options.DryRun {
		title = "Import Plan (dry run)"
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("  Target:    %s\n", r.Target))
	b.WriteString(fmt.Sprintf("  Snapshot:  %s (%d databases, %d collections, %d indexes)\n",
		r.Snapshot.Location, r.Snapshot.Databases, r.Snapshot.Collections, r.Snapshot.Indexes))
	b.WriteString("\n")

	for _, db := range r.Databases {
		line := fmt.Sprintf("  %s %s", db.Name, actionStyle(db.Action).Render(db.Action))
		if db.Reason != "" {
			line += dimStyle.Render(" (" + db.Reason + ")")
		}
		b.WriteString(line + "\n")
		for _, c := range db.Collections {
			b.WriteString(fmt.Sprintf("    %s %s\n", c.Name, actionStyle(c.Action).Render(c.Action)))
			for _, idx := range c.Indexes {
				b.WriteString(fmt.Sprintf("      %s %s\n", idx.Name, actionStyle(idx.Action).Render(idx.Action)))
			}
		}
	}
	b.WriteString("\n")

	if len(r.Planned) > 0 {
		b.WriteString(headStyle.Render("  Planned operations"))
		b.WriteString("\n")
		for i, c := range r.Planned {
			b.WriteString(fmt.Sprintf("  %3d  %s\n", i+1, c))
		}
		b.WriteString("\n")
	}

	b.WriteString(headStyle.Render("  Indexes: "))
	b.WriteString(formatTotals(r.Totals.Indexes))
	b.WriteString("\n")

	if len(r.Failures) > 0 {
		b.WriteString("\n")
		b.WriteString(errStyle.Render(fmt.Sprintf("  %d failure(s):", len(r.Failures))))
		b.WriteString("\n")
		for _, f := range r.Failures {
			b.WriteString(errStyle.Render("    " + f))
			b.WriteString("\n")
		}
	}
	if r.Error != "" {
		b.WriteString("\n")
		b.WriteString(errStyle.Render("  Aborted: " + r.Error))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	switch r.Status {
	case StatusComplete:
		b.WriteString(successStyle.Render("  Status: complete"))
	case StatusPlanned:
		b.WriteString(successStyle.Render("  Status: planned, nothing was changed"))
	default:
		b.WriteString(errStyle.Render("  Status: " + r.Status))
	}
	b.WriteString("\n")

	return b.String()
}

func formatTotals(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", counts[k], k))
	}
	return strings.Join(parts, ", ")
}
