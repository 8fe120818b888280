package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/listing-cli/internal/cache"
	"github.com/sells-group/listing-cli/internal/cost"
	"github.com/sells-group/listing-cli/internal/extract"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/monitoring"
	"github.com/sells-group/listing-cli/internal/resilience"
)

var (
	runTargetsFile string
	runStatusAddr  string
)

var runCmd = &cobra.Command{
	Use:   "run [source:external_id ...]",
	Short: "Collect, extract and validate a batch of listings",
	Long:  "Collects every target from its configured source, extracts fields, validates them and stores valid listings. Targets come from --targets and/or positional source:external_id arguments.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		targets, err := gatherTargets(runTargetsFile, args)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "run", true, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		for _, t := range targets {
			if _, ok := env.Clients[t.Source]; !ok {
				return eris.Errorf("target %s: source %q is not configured", t.Key(), t.Source)
			}
		}

		collector := monitoring.NewCollector(env.Pipeline, env.Breakers, env.Limiter, env.Proxies, env.Store)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)

		auxCtx, cancelAux := context.WithCancel(ctx)
		defer cancelAux()
		go checker.Run(auxCtx)

		if runStatusAddr != "" {
			done, err := startStatusServer(auxCtx, runStatusAddr, newStatusRouter(collector, env.Store, cfg.Server.AllowedOrigins))
			if err != nil {
				return err
			}
			defer func() {
				cancelAux()
				<-done
			}()
		}

		stopAutosave := env.startAutosave(ctx, time.Duration(cfg.Session.AutosaveSecs)*time.Second)
		sum := summarize(env.Pipeline.Process(ctx, targets))
		stopAutosave()

		checker.Check(context.WithoutCancel(ctx))
		printSummary(cmd.OutOrStdout(), sum, env.stats())

		if cause := context.Cause(ctx); cause != nil {
			return eris.Wrap(cause, "run interrupted")
		}
		return sum.undelivered
	},
}

func init() {
	runCmd.Flags().StringVar(&runTargetsFile, "targets", "", "YAML file listing targets (source, external_id, url)")
	runCmd.Flags().StringVar(&runStatusAddr, "status-addr", "", "serve the status endpoint on this address while running (e.g. :8080)")
	rootCmd.AddCommand(runCmd)
}

// targetsFile is the YAML layout accepted by --targets.
type targetsFile struct {
	Targets []model.Target `yaml:"targets"`
}

// gatherTargets reads the targets file and positional arguments, dropping
// duplicates.
func gatherTargets(path string, args []string) ([]model.Target, error) {
	var targets []model.Target
	if path != "" {
		fromFile, err := loadTargets(path)
		if err != nil {
			return nil, err
		}
		targets = append(targets, fromFile...)
	}
	for _, arg := range args {
		source, id, ok := strings.Cut(arg, ":")
		if !ok || source == "" || id == "" {
			return nil, eris.Errorf("invalid target %q, want source:external_id", arg)
		}
		targets = append(targets, model.Target{Source: source, ExternalID: id})
	}
	if len(targets) == 0 {
		return nil, eris.New("no targets given (use --targets or source:external_id arguments)")
	}
	return dedupeTargets(targets), nil
}

func loadTargets(path string) ([]model.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read targets file %s", path)
	}
	var f targetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "parse targets file %s", path)
	}
	for i, t := range f.Targets {
		if t.Source == "" || t.ExternalID == "" {
			return nil, eris.Errorf("targets file %s: entry %d needs source and external_id", path, i)
		}
	}
	return f.Targets, nil
}

func dedupeTargets(in []model.Target) []model.Target {
	seen := make(map[string]bool, len(in))
	out := make([]model.Target, 0, len(in))
	for _, t := range in {
		if seen[t.Key()] {
			zap.L().Debug("dropping duplicate target", zap.String("target", t.Key()))
			continue
		}
		seen[t.Key()] = true
		out = append(out, t)
	}
	return out
}

// runSummary tallies the terminal results of a batch.
type runSummary struct {
	Total        int
	Valid        int
	Rejected     int
	Failed       int
	DeadLettered int
	ByKind       map[string]int
	// undelivered is the first failure that was neither a validation
	// rejection nor dead-lettered.
	undelivered error
}

func summarize(results <-chan model.Result) runSummary {
	sum := runSummary{ByKind: make(map[string]int)}
	for r := range results {
		sum.Total++
		switch {
		case r.Valid:
			sum.Valid++
		case r.Err == nil:
			sum.Rejected++
		default:
			sum.Failed++
			if r.DeadLettered {
				sum.DeadLettered++
			} else if sum.undelivered == nil {
				sum.undelivered = r.Err
			}
		}
		if r.Err != nil {
			sum.ByKind[resilience.ClassifyError(r.Err)]++
		}
	}
	return sum
}

// runStats gathers the counters printed after a batch.
type runStats struct {
	Pipeline monitoring.PipelineMetrics
	Extract  extract.Stats
	Cache    cache.Stats
	Cost     cost.Summary
}

func (e *listingEnv) stats() runStats {
	return runStats{
		Pipeline: e.Pipeline.Metrics(),
		Extract:  e.Extractor.Stats(),
		Cache:    e.Cache.Stats(),
		Cost:     e.Costs.Summary(),
	}
}

func printSummary(w io.Writer, sum runSummary, st runStats) {
	fmt.Fprintf(w, "processed %d: %d valid, %d rejected, %d failed (%d dead-lettered)\n",
		sum.Total, sum.Valid, sum.Rejected, sum.Failed, sum.DeadLettered)
	fmt.Fprintf(w, "extractions: %d llm, %d cached, %d fallback; max in flight %d\n",
		st.Extract.LLM, st.Extract.Cached, st.Extract.Fallback, st.Pipeline.MaxInFlight)
	fmt.Fprintf(w, "cache: %d/%d entries, %d hits / %d misses (%.0f%%)\n",
		st.Cache.Entries, st.Cache.MaxEntries, st.Cache.Hits, st.Cache.Misses, st.Cache.HitRate*100)
	if c := st.Cost; c.Calls > 0 {
		fmt.Fprintf(w, "llm calls %d, tokens %d in / %d out, est. cost $%.4f\n",
			c.Calls, c.InputTokens, c.OutputTokens, c.USD)
	}
	for _, kind := range sortedKeys(sum.ByKind) {
		fmt.Fprintf(w, "  %s: %d\n", kind, sum.ByKind[kind])
	}
}
