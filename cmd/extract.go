package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/listing-cli/internal/model"
)

var (
	extractSource      string
	extractContentType string
)

var extractCmd = &cobra.Command{
	Use:   "extract FILE...",
	Short: "Extract and validate listings from saved payload files",
	Long:  "Runs extraction and validation over local payload files without collecting. Each file becomes one item whose external ID is the file name without extension. Valid listings are stored.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		items, err := loadPayloadItems(extractSource, extractContentType, args, time.Now())
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "extract", false, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := writeResults(cmd.OutOrStdout(), env.Pipeline.ProcessItems(ctx, items))
		if err != nil {
			return err
		}
		printSummary(cmd.ErrOrStderr(), sum, env.stats())
		return sum.undelivered
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractSource, "source", "", "source name the payloads came from")
	extractCmd.Flags().StringVar(&extractContentType, "content-type", "", "payload content type (default: from file extension)")
	_ = extractCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(extractCmd)
}

func loadPayloadItems(source, contentType string, paths []string, now time.Time) ([]*model.RawItem, error) {
	if source == "" {
		return nil, eris.New("--source is required")
	}
	items := make([]*model.RawItem, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, eris.Wrapf(err, "read payload %s", p)
		}
		ct := contentType
		if ct == "" {
			ct = contentTypeFor(p)
		}
		base := filepath.Base(p)
		id := strings.TrimSuffix(base, filepath.Ext(base))
		items = append(items, model.NewRawItem(model.Target{Source: source, ExternalID: id}, ct, data, now))
	}
	return items, nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "application/json"
	case ".html", ".htm":
		return "text/html"
	default:
		return "text/plain"
	}
}

// writeResults prints one JSON line per result and tallies them.
func writeResults(w io.Writer, results <-chan model.Result) (runSummary, error) {
	enc := json.NewEncoder(w)
	var encErr error
	tee := make(chan model.Result)
	go func() {
		defer close(tee)
		for r := range results {
			if encErr == nil {
				encErr = enc.Encode(r)
			}
			tee <- r
		}
	}()
	sum := summarize(tee)
	if encErr != nil {
		return sum, eris.Wrap(encErr, "write results")
	}
	return sum, nil
}
