package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/resilience"
)

var (
	dlSource string
	dlKind   string
	dlLimit  int
	dlFormat string
	dlOut    string
)

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "Inspect, export and retry dead-lettered items",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		dls, err := queryDeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		return printDeadLetters(cmd.OutOrStdout(), dls)
	},
}

var deadLettersExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export dead letters as YAML or XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		dls, err := queryDeadLetters(cmd.Context())
		if err != nil {
			return err
		}

		switch dlFormat {
		case "yaml":
			if dlOut == "" {
				return exportYAML(cmd.OutOrStdout(), dls)
			}
			f, err := os.Create(dlOut)
			if err != nil {
				return eris.Wrapf(err, "create %s", dlOut)
			}
			defer f.Close() //nolint:errcheck
			return exportYAML(f, dls)
		case "xlsx":
			if dlOut == "" {
				return eris.New("--out is required for xlsx export")
			}
			return exportXLSX(dlOut, dls)
		default:
			return eris.Errorf("unknown export format %q (want yaml or xlsx)", dlFormat)
		}
	},
}

var deadLettersRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-run dead-lettered items",
	Long:  "Re-extracts dead letters from their stored payloads. Dead letters without a payload are collected again from their source. Items that fail again are dead-lettered anew.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dls, err := queryDeadLetters(ctx)
		if err != nil {
			return err
		}
		items, targets := splitDeadLetters(dls)
		if len(items) == 0 && len(targets) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no dead letters to retry")
			return nil
		}

		mode, collecting := "extract", false
		if len(targets) > 0 {
			mode, collecting = "run", true
		}
		env, err := initEnv(ctx, mode, collecting, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		var sum runSummary
		if len(items) > 0 {
			sum = summarize(env.Pipeline.ProcessItems(ctx, items))
		}
		if len(targets) > 0 {
			stopAutosave := env.startAutosave(ctx, time.Duration(cfg.Session.AutosaveSecs)*time.Second)
			sum = mergeSummaries(sum, summarize(env.Pipeline.Process(ctx, targets)))
			stopAutosave()
		}

		printSummary(cmd.OutOrStdout(), sum, env.stats())
		return sum.undelivered
	},
}

func init() {
	for _, c := range []*cobra.Command{deadLettersListCmd, deadLettersExportCmd, deadLettersRetryCmd} {
		c.Flags().StringVar(&dlSource, "source", "", "only dead letters from this source")
		c.Flags().StringVar(&dlKind, "kind", "", "only dead letters with this error kind")
		c.Flags().IntVar(&dlLimit, "limit", 100, "max number of dead letters")
		deadLettersCmd.AddCommand(c)
	}
	deadLettersExportCmd.Flags().StringVar(&dlFormat, "format", "yaml", "export format: yaml or xlsx")
	deadLettersExportCmd.Flags().StringVar(&dlOut, "out", "", "output file (yaml defaults to stdout)")
	rootCmd.AddCommand(deadLettersCmd)
}

func queryDeadLetters(ctx context.Context) ([]resilience.DeadLetter, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close() //nolint:errcheck

	dls, err := st.ListDeadLetters(ctx, resilience.DeadLetterFilter{
		Source:    dlSource,
		ErrorKind: dlKind,
		Limit:     dlLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "list dead letters")
	}
	return dls, nil
}

func printDeadLetters(out io.Writer, dls []resilience.DeadLetter) error {
	if len(dls) == 0 {
		_, err := fmt.Fprintln(out, "no dead letters")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tEXTERNAL_ID\tKIND\tATTEMPTS\tPAYLOAD\tRECORDED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t-----------\t----\t--------\t-------\t--------\t-----")
	for _, dl := range dls {
		payload := "-"
		if dl.Item != nil {
			payload = strconv.Itoa(len(dl.Item.Payload)) + "B"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			dl.ID, dl.Target.Source, dl.Target.ExternalID, dl.ErrorKind, dl.Attempts,
			payload, dl.RecordedAt.Format(time.RFC3339), truncateText(dl.LastError, 80))
	}
	return w.Flush()
}

func exportYAML(w io.Writer, dls []resilience.DeadLetter) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"dead_letters": dls}); err != nil {
		return eris.Wrap(err, "encode dead letters")
	}
	return enc.Close()
}

var exportColumns = []string{"id", "source", "external_id", "url", "error_kind", "attempts", "last_error", "recorded_at", "payload_bytes"}

func exportXLSX(path string, dls []resilience.DeadLetter) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("dead_letters")
	if err != nil {
		return eris.Wrap(err, "add sheet")
	}

	header := sheet.AddRow()
	for _, c := range exportColumns {
		header.AddCell().SetString(c)
	}
	for _, dl := range dls {
		row := sheet.AddRow()
		row.AddCell().SetString(dl.ID)
		row.AddCell().SetString(dl.Target.Source)
		row.AddCell().SetString(dl.Target.ExternalID)
		row.AddCell().SetString(dl.Target.URL)
		row.AddCell().SetString(dl.ErrorKind)
		row.AddCell().SetInt(dl.Attempts)
		row.AddCell().SetString(dl.LastError)
		row.AddCell().SetString(dl.RecordedAt.Format(time.RFC3339))
		n := 0
		if dl.Item != nil {
			n = len(dl.Item.Payload)
		}
		row.AddCell().SetInt(n)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "save %s", path)
	}
	return nil
}

// splitDeadLetters separates dead letters that kept their payload from
// those that must be collected again.
func splitDeadLetters(dls []resilience.DeadLetter) ([]*model.RawItem, []model.Target) {
	var items []*model.RawItem
	var targets []model.Target
	seen := make(map[string]bool, len(dls))
	for _, dl := range dls {
		if seen[dl.Target.Key()] {
			continue
		}
		seen[dl.Target.Key()] = true
		if dl.Item != nil && len(dl.Item.Payload) > 0 {
			items = append(items, dl.Item)
		} else {
			targets = append(targets, dl.Target)
		}
	}
	return items, targets
}

func mergeSummaries(a, b runSummary) runSummary {
	out := runSummary{
		Total:        a.Total + b.Total,
		Valid:        a.Valid + b.Valid,
		Rejected:     a.Rejected + b.Rejected,
		Failed:       a.Failed + b.Failed,
		DeadLettered: a.DeadLettered + b.DeadLettered,
		ByKind:       make(map[string]int, len(a.ByKind)+len(b.ByKind)),
		undelivered:  a.undelivered,
	}
	if out.undelivered == nil {
		out.undelivered = b.undelivered
	}
	for k, v := range a.ByKind {
		out.ByKind[k] += v
	}
	for k, v := range b.ByKind {
		out.ByKind[k] += v
	}
	return out
}

func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
