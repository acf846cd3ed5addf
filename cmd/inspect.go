package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/airframesio/snapshot-pipeline/cmd/partition"
)

var (
	inspectFiles bool

	categoryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF7CCB")).Bold(true)
	columnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errorLine     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <archive.zip>",
	Short: "Show the categories, files and parquet row counts of a snapshot archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		batches, err := partition.Partition(args[0])
		if err != nil {
			return err
		}
		renderInspection(os.Stdout, partition.Summarize(batches), partition.Inspect(batches), inspectFiles)
		return nil
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectFiles, "files", false, "list every file with its schema")
}

func renderInspection(w io.Writer, stats partition.Stats, categories []partition.CategoryInfo, files bool) {
	fmt.Fprintln(w, titleStyle.Render("Snapshot archive"))
	fmt.Fprintf(w, "%d categories · %d files · %s\n\n", stats.Categories, stats.Files, formatBytes(stats.Bytes))

	for _, c := range categories {
		line := fmt.Sprintf("%s  %d files, %d rows", categoryStyle.Render(c.Category), len(c.Files), c.Rows)
		if c.Invalid > 0 {
			line += errorLine.Render(fmt.Sprintf(" (%d unreadable)", c.Invalid))
		}
		fmt.Fprintln(w, line)

		if !files {
			continue
		}
		for _, f := range c.Files {
			if f.Err != nil {
				fmt.Fprintln(w, errorLine.Render(fmt.Sprintf("    ✗ %s: %v", f.Name, f.Err)))
				continue
			}
			fmt.Fprintf(w, "    %s  %d rows, %s\n", f.Name, f.Rows, formatBytes(f.Size))
			fmt.Fprintln(w, columnStyle.Render("      "+strings.Join(f.Columns, ", ")))
		}
	}
}
