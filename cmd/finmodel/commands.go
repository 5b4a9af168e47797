package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"finmodel/pkg/core/explore"
	"finmodel/pkg/core/graph"
	"finmodel/pkg/core/mac"
	"finmodel/pkg/core/orchestrator"
	"finmodel/pkg/core/provider"
	"finmodel/pkg/core/report"
	"finmodel/pkg/core/scenario"
	"finmodel/pkg/core/template"
)

// planFlags select a scenario from the database when no scenario file is given.
type planFlags struct {
	scenario string
	entity   string
	template string
	first    int
	periods  int
}

func (pf *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&pf.scenario, "scenario", "", "Scenario name (database mode)")
	cmd.Flags().StringVar(&pf.entity, "entity", "", "Entity to run (database mode)")
	cmd.Flags().StringVar(&pf.template, "template", "", "Base template code (database mode)")
	cmd.Flags().IntVar(&pf.first, "first-period", 1, "First period (database mode)")
	cmd.Flags().IntVar(&pf.periods, "periods", 0, "Number of periods (database mode)")
}

type outputFlags struct {
	format string
	out    string
}

func (of *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&of.format, "format", "f", "markdown", "Output format (markdown, html, json)")
	cmd.Flags().StringVarP(&of.out, "out", "o", "", "Write output to a file instead of stdout")
}

// write renders markdown or v in the chosen format.
func (of *outputFlags) write(stdout io.Writer, markdown string, v any) error {
	var data []byte
	switch strings.ToLower(of.format) {
	case "markdown", "md":
		data = []byte(markdown)
	case "html":
		html, err := report.HTML(markdown)
		if err != nil {
			return err
		}
		data = []byte(html + "\n")
	case "json":
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		data = append(b, '\n')
	default:
		return fmt.Errorf("unknown format %q (markdown, html, json)", of.format)
	}
	if of.out == "" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(of.out, data, 0o644)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// loadPlan builds a plan from a scenario file, or from the database when
// args is empty. Scenario-file drivers take precedence over stored ones.
func (a *app) loadPlan(ctx context.Context, pf *planFlags, args []string) (orchestrator.Plan, provider.DriverSource, error) {
	if len(args) > 0 {
		f, err := scenario.Load(args[0])
		if err != nil {
			return orchestrator.Plan{}, nil, err
		}
		base, err := f.LoadTemplate(ctx, a.loader())
		if err != nil {
			return orchestrator.Plan{}, nil, err
		}
		plan, err := f.Plan(base)
		if err != nil {
			return orchestrator.Plan{}, nil, err
		}
		var stored provider.DriverSource
		if a.repo != nil {
			stored = a.repo
		}
		return plan, layered(f.StaticDrivers(), stored), nil
	}

	if a.repo == nil {
		return orchestrator.Plan{}, nil, errors.New("no scenario file given and no database configured")
	}
	if pf.scenario == "" || pf.template == "" || pf.periods <= 0 {
		return orchestrator.Plan{}, nil, errors.New("database mode needs --scenario, --template and --periods")
	}
	base, err := a.loader().LoadTemplate(ctx, pf.template)
	if err != nil {
		return orchestrator.Plan{}, nil, err
	}
	actions, bindings, err := a.repo.LoadActions(ctx, pf.scenario)
	if err != nil {
		return orchestrator.Plan{}, nil, err
	}
	periods := make([]int, pf.periods)
	for i := range periods {
		periods[i] = pf.first + i
	}
	plan := orchestrator.Plan{
		Scenario: pf.scenario,
		Entity:   pf.entity,
		Base:     base,
		Periods:  periods,
		Actions:  actions,
		Bindings: bindings,
	}
	return plan, a.repo, plan.Validate()
}

// candidates turns a plan's actions into an exploration pool, each starting
// where its binding does.
func candidates(plan orchestrator.Plan) []explore.Candidate {
	starts := make(map[int]int, len(plan.Bindings))
	for _, b := range plan.Bindings {
		starts[b.ActionID] = b.StartPeriod
	}
	pool := make([]explore.Candidate, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		start, ok := starts[a.ID]
		if !ok {
			start = plan.Periods[0]
		}
		pool = append(pool, explore.Bind(a, start))
	}
	return pool
}

func runCmd(g *globalFlags) *cobra.Command {
	var (
		pf   planFlags
		of   outputFlags
		save bool
		rows []string
	)
	cmd := &cobra.Command{
		Use:   "run [scenario.yaml]",
		Short: "Run one scenario over its periods",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			a, err := newApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.close()

			plan, drivers, err := a.loadPlan(ctx, &pf, args)
			if err != nil {
				return err
			}
			res := a.orchestrator(drivers).Run(ctx, plan)
			if save && a.repo != nil {
				if err := a.repo.SaveRun(ctx, res); err != nil {
					a.logger.Warn("failed to save run", "run_id", res.RunID, "error", err)
				}
			}
			if err := of.write(cmd.OutOrStdout(), report.Markdown(res, rows...), res); err != nil {
				return err
			}
			if res.Success {
				return nil
			}
			if err := res.Err(); err != nil {
				return fmt.Errorf("scenario %s finished %s: %w", res.Scenario, res.State, err)
			}
			return fmt.Errorf("scenario %s finished %s", res.Scenario, res.State)
		},
	}
	pf.register(cmd)
	of.register(cmd)
	cmd.Flags().BoolVar(&save, "save", true, "Store the result when a database is configured")
	cmd.Flags().StringSliceVar(&rows, "rows", nil, "Line items to show (default all)")
	return cmd
}

func exploreCmd(g *globalFlags) *cobra.Command {
	var (
		pf        planFlags
		of        outputFlags
		mode      string
		scoreCode string
		scoreKind string
		minimize  bool
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "explore [scenario.yaml]",
		Short: "Run action combinations and rank them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			a, err := newApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.close()

			plan, drivers, err := a.loadPlan(ctx, &pf, args)
			if err != nil {
				return err
			}
			score, err := scoreFunc(scoreKind, scoreCode, minimize)
			if err != nil {
				return err
			}
			pool := candidates(plan)
			base := plan
			base.Actions, base.Bindings = nil, nil

			e := explore.New(a.orchestrator(drivers),
				explore.WithParallelism(a.cfg.Engine.Parallelism),
				explore.WithScore(score),
				explore.WithLogger(a.logger))
			if limit == 0 {
				limit = a.cfg.Engine.MaxExhaustiveActions
			}

			var rep *explore.Report
			switch mode {
			case "exhaustive":
				rep, err = e.Exhaustive(ctx, base, pool, limit)
			case "single":
				rep, err = e.SingleAction(ctx, base, pool)
			case "incremental":
				rep, err = e.Incremental(ctx, base, pool, score)
			default:
				return fmt.Errorf("unknown mode %q (exhaustive, single, incremental)", mode)
			}
			if err != nil {
				return err
			}
			label := scoreKind + " " + scoreCode
			if minimize {
				label = "-" + label
			}
			return of.write(cmd.OutOrStdout(), report.ExplorationMarkdown(rep, label), rep)
		},
	}
	pf.register(cmd)
	of.register(cmd)
	cmd.Flags().StringVar(&mode, "mode", "exhaustive", "Exploration mode (exhaustive, single, incremental)")
	cmd.Flags().StringVar(&scoreCode, "score-code", "PROFIT", "Line item to score")
	cmd.Flags().StringVar(&scoreKind, "score", "final", "Score by the final value or the total over periods (final, total)")
	cmd.Flags().BoolVar(&minimize, "minimize", false, "Lower values score better")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum actions for exhaustive mode (default from config)")
	return cmd
}

func scoreFunc(kind, code string, minimize bool) (explore.ScoreFunc, error) {
	var s explore.ScoreFunc
	switch kind {
	case "final":
		s = explore.FinalValue(code)
	case "total":
		s = explore.Total(code)
	default:
		return nil, fmt.Errorf("unknown score %q (final, total)", kind)
	}
	if minimize {
		s = explore.Negate(s)
	}
	return explore.Successful(s), nil
}

func macCmd(g *globalFlags) *cobra.Command {
	var (
		pf        planFlags
		of        outputFlags
		emissions string
		years     int
		estimates bool
	)
	cmd := &cobra.Command{
		Use:   "mac [scenario.yaml]",
		Short: "Build a marginal abatement cost curve for the scenario's actions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			a, err := newApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.close()

			plan, drivers, err := a.loadPlan(ctx, &pf, args)
			if err != nil {
				return err
			}

			var curve *mac.Curve
			if estimates {
				curve, err = mac.FromActions(plan.Actions, years)
			} else {
				base := plan
				base.Actions, base.Bindings = nil, nil
				e := explore.New(a.orchestrator(drivers),
					explore.WithParallelism(a.cfg.Engine.Parallelism),
					explore.WithLogger(a.logger))
				var rep *explore.Report
				if rep, err = e.SingleAction(ctx, base, candidates(plan)); err != nil {
					return err
				}
				curve, err = mac.FromOutcomes(rep, emissions, plan.Actions, years)
			}
			if err != nil {
				return err
			}
			return of.write(cmd.OutOrStdout(), report.CurveMarkdown(curve), curve)
		},
	}
	pf.register(cmd)
	of.register(cmd)
	cmd.Flags().StringVar(&emissions, "emissions", "EMISSIONS", "Line item holding emissions")
	cmd.Flags().IntVar(&years, "years", mac.DefaultAmortizationYears, "Capex amortization years")
	cmd.Flags().BoolVar(&estimates, "estimates", false, "Use the reductions recorded on the actions instead of simulating")
	return cmd
}

func graphCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "graph <template-code|template-file>",
		Short: "Print a template's evaluation order and dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			a, err := newApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.close()

			var tpl *template.Template
			if _, statErr := os.Stat(args[0]); statErr == nil {
				tpl, err = template.LoadFile(args[0])
			} else {
				tpl, err = a.loader().LoadTemplate(ctx, args[0])
			}
			if err != nil {
				return err
			}
			gr, err := graph.Build(tpl, graph.Lenient())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s (%d items)\n\nEvaluation order:\n", tpl.Key(), len(gr.Order()))
			for i, code := range gr.Order() {
				up := gr.Upstream(code)
				sort.Strings(up)
				fmt.Fprintf(w, "%3d. %s", i+1, code)
				if len(up) > 0 {
					fmt.Fprintf(w, " <- %s", strings.Join(up, ", "))
				}
				if prior := gr.PriorRefs(code); len(prior) > 0 {
					fmt.Fprintf(w, " [prior: %s]", strings.Join(prior, ", "))
				}
				fmt.Fprintln(w)
			}
			if ext := gr.Externals(); len(ext) > 0 {
				fmt.Fprintf(w, "\nExternal inputs: %s\n", strings.Join(ext, ", "))
			}
			return nil
		},
	}
}

func migrateCmd(g *globalFlags) *cobra.Command {
	var importFile string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema, optionally importing a scenario file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			a, err := newApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.close()
			if a.repo == nil {
				return errors.New("no database configured")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database %s ready\n", a.cfg.Database.Driver)
			if importFile == "" {
				return nil
			}
			return a.importScenario(ctx, importFile)
		},
	}
	cmd.Flags().StringVar(&importFile, "import", "", "Scenario file to import")
	return cmd
}

// importScenario stores a scenario file's template, actions, bindings,
// opening balances and drivers.
func (a *app) importScenario(ctx context.Context, path string) error {
	f, err := scenario.Load(path)
	if err != nil {
		return err
	}
	base, err := f.LoadTemplate(ctx, a.loader())
	if err != nil {
		return err
	}
	bindings, err := f.ActionBindings()
	if err != nil {
		return err
	}
	if err := a.repo.Import(ctx, base, f.Actions, bindings); err != nil {
		return err
	}
	for code, v := range f.Opening {
		if err := a.repo.SetOpening(ctx, f.Entity, f.Scenario, code, v); err != nil {
			return err
		}
	}
	drivers := f.StaticDrivers()
	for _, code := range drivers.Codes() {
		for _, p := range f.PeriodList() {
			key := provider.Key{Entity: f.Entity, Scenario: f.Scenario, Period: p}
			v, ok, err := drivers.Driver(ctx, code, key)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := a.repo.SetDriver(ctx, key, code, v); err != nil {
				return err
			}
		}
	}
	a.logger.Info("scenario imported", "scenario", f.Scenario, "entity", f.Entity, "template", base.Key(), "actions", len(f.Actions))
	return nil
}
