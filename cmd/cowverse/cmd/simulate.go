package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aweris/cowverse"
	"github.com/aweris/cowverse/internal/metrics"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a workload against an in-process store",
	Long: "Bulk-create universes, clone them, run a mixed batch of operations and a " +
		"janitor sweep, then print store statistics and distributions.",
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	flags := simulateCmd.Flags()
	flags.Int("roots", 100, "universes to bulk create")
	flags.Int("clones", 200, "clones of the first root to bulk create")
	flags.Bool("sweep", true, "run one janitor sweep after the workload")
	flags.StringP("output", "o", "text", "output format: text or yaml")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.Bool("hold", false, "keep serving metrics until interrupted")

	rootCmd.AddCommand(simulateCmd)
}

type simulation struct {
	Roots      batchSummary              `yaml:"roots"`
	Clones     batchSummary              `yaml:"clones"`
	Operations batchSummary              `yaml:"operations"`
	Lineage    lineageSummary            `yaml:"lineage"`
	Sweep      *cowverse.SweepResult     `yaml:"sweep,omitempty"`
	Stats      cowverse.Stats            `yaml:"stats"`
	Dist       map[string]map[string]int `yaml:"distribution"`
}

type batchSummary struct {
	BatchID   string        `yaml:"batch_id"`
	Succeeded int           `yaml:"succeeded"`
	Failed    int           `yaml:"failed"`
	Elapsed   time.Duration `yaml:"elapsed"`
}

type lineageSummary struct {
	Source      string   `yaml:"source"`
	Descendants int      `yaml:"descendants"`
	Issues      []string `yaml:"issues"`
}

func runSimulate(cmd *cobra.Command, _ []string) (err error) {
	format, _ := cmd.Flags().GetString("output")
	if format != "text" && format != "yaml" {
		return fmt.Errorf("unknown output format %q", format)
	}
	roots, _ := cmd.Flags().GetInt("roots")
	clones, _ := cmd.Flags().GetInt("clones")
	sweep, _ := cmd.Flags().GetBool("sweep")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	hold, _ := cmd.Flags().GetBool("hold")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	arch, err := openArchive(log)
	if err != nil {
		return err
	}

	var extra []cowverse.Option
	if metricsAddr != "" {
		collector := metrics.NewCollector("cowverse")
		extra = append(extra, cowverse.WithMetrics(collector))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		log.Info("serving metrics", zap.String("addr", metricsAddr))
	}

	store, err := cowverse.New(storeOptions(log, arch, extra...)...)
	if err != nil {
		arch.Close()
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	sim, err := simulate(ctx, store, roots, clones, sweep)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == "yaml" {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(sim); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		if err := enc.Close(); err != nil {
			return err
		}
	} else {
		printSimulation(out, sim)
	}

	if hold && metricsAddr != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Serving metrics on %s, interrupt to exit\n", metricsAddr)
		<-ctx.Done()
	}
	return nil
}

func simulate(ctx context.Context, store *cowverse.Store, roots, clones int, sweep bool) (*simulation, error) {
	coord := cowverse.NewCoordinator(store)
	index := cowverse.NewIndex(store)
	sim := &simulation{Dist: make(map[string]map[string]int)}

	created, err := coord.CreateMany(ctx, roots, cowverse.CreateConfig{
		Initial: cowverse.State{"generation": 0, "labels": []any{"seed"}},
	})
	if err != nil {
		return nil, fmt.Errorf("create roots: %w", err)
	}
	sim.Roots = batchSummary{created.BatchID, len(created.Items), len(created.Failures), created.Duration}
	if len(created.Items) == 0 {
		return nil, errors.New("no roots were created")
	}
	source := created.Items[0].ID

	var cloned cowverse.CreateManyResult
	if clones > 0 {
		cloned, err = coord.CreateMany(ctx, clones, cowverse.CreateConfig{SourceID: source})
		if err != nil {
			return nil, fmt.Errorf("create clones: %w", err)
		}
		sim.Clones = batchSummary{cloned.BatchID, len(cloned.Items), len(cloned.Failures), cloned.Duration}
	}

	if ops := workload(source, cloned.Items); len(ops) > 0 {
		run, err := coord.RunMany(ctx, ops)
		if err != nil {
			return nil, fmt.Errorf("run operations: %w", err)
		}
		sim.Operations = batchSummary{run.BatchID, len(run.Results), len(run.Failures), run.Duration}
	}

	sim.Lineage.Source = source
	if sim.Lineage.Descendants, err = index.Descendants(source); err != nil {
		return nil, err
	}
	report, err := index.Integrity(source)
	if err != nil {
		return nil, err
	}
	sim.Lineage.Issues = report.Issues

	if sweep {
		res := cowverse.NewJanitor(store).Sweep(ctx)
		sim.Sweep = &res
	}

	for _, dim := range []cowverse.Dimension{cowverse.ByType, cowverse.ByAge, cowverse.ByComplexity} {
		d, err := index.Distribution(dim)
		if err != nil {
			return nil, err
		}
		sim.Dist[string(dim)] = d
	}
	sim.Stats = store.Stats()
	return sim, nil
}

// workload rotates through update, snapshot, branch and merge over the
// clones of source.
func workload(source string, clones []cowverse.Universe) []cowverse.Operation {
	ops := make([]cowverse.Operation, 0, len(clones))
	for i, u := range clones {
		op := cowverse.Operation{UniverseID: u.ID}
		switch i % 4 {
		case 0:
			op.Kind = cowverse.OpUpdate
			op.Updates = map[string]any{"generation": 1, "worker": i}
		case 1:
			op.Kind = cowverse.OpSnapshot
			op.SnapshotMeta = cowverse.SnapshotMeta{Name: fmt.Sprintf("checkpoint-%d", i)}
		case 2:
			op.Kind = cowverse.OpBranch
			op.Updates = map[string]any{"branch": i, "nested": map[string]any{"depth": []any{i}}}
		case 3:
			op.Kind = cowverse.OpMerge
			op.SourceIDs = []string{source}
			op.Strategy = cowverse.MergeReplace
		}
		ops = append(ops, op)
	}
	return ops
}

func printSimulation(w io.Writer, sim *simulation) {
	printBatch := func(name string, b batchSummary) {
		fmt.Fprintf(w, "%-11s %d ok, %d failed in %s\n", name+":", b.Succeeded, b.Failed, b.Elapsed.Round(time.Microsecond))
	}
	printBatch("roots", sim.Roots)
	printBatch("clones", sim.Clones)
	printBatch("operations", sim.Operations)

	fmt.Fprintf(w, "\nsource %s: %d descendants", sim.Lineage.Source, sim.Lineage.Descendants)
	if len(sim.Lineage.Issues) > 0 {
		fmt.Fprintf(w, ", issues: %v", sim.Lineage.Issues)
	}
	fmt.Fprintln(w)

	if sim.Sweep != nil {
		fmt.Fprintf(w, "sweep: %d evicted, %d remaining\n", sim.Sweep.Evicted, sim.Sweep.Remaining)
	}

	st := sim.Stats
	fmt.Fprintf(w, "\nlive %d, snapshots %d, state bytes %d, shared %d, cow breaks %d\n",
		st.Live, st.Snapshots, st.StateBytes, st.SharedUniverses, st.COWBreaks)

	dims := make([]string, 0, len(sim.Dist))
	for dim := range sim.Dist {
		dims = append(dims, dim)
	}
	sort.Strings(dims)
	for _, dim := range dims {
		fmt.Fprintf(w, "\nby %s:\n", dim)
		buckets := sim.Dist[dim]
		keys := make([]string, 0, len(buckets))
		for k := range buckets {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %-10s %d\n", k, buckets[k])
		}
	}
}
