// Package cmd implements the pipeline command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilianp07/gridflex/app"
	"github.com/kilianp07/gridflex/config"
	coremon "github.com/kilianp07/gridflex/core/monitoring"
	"github.com/kilianp07/gridflex/infra/logger"
)

var (
	cfgPath   string
	overrides []string
	list      bool
)

var rootCmd = &cobra.Command{
	Use:   "pipeline <task> [task...]",
	Short: "Rolling-horizon flexibility dispatch for MV grids",
	Long: `Runs pipeline tasks or task groups. Groups: ref, min_exp, min_pot,
exp_scn, scn_pot, trust_ipynb. Meta-tasks: _set_opt_version, _get_opt_version,
_set_grids_version, _get_grids_version.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file")
	rootCmd.Flags().StringArrayVar(&overrides, "set", nil, "override a configuration key, e.g. --set opt.version=2")
	rootCmd.Flags().BoolVar(&list, "list", false, "list the task groups and exit")
	addParamFlags(rootCmd)
}

// paramFlags are the per-parameter flags, e.g. --version 3. They win over
// --set.
var paramFlags = []struct{ name, key, usage string }{
	{"run_id", "opt.run_id", "optimisation run id"},
	{"version", "opt.version", "optimisation run version"},
	{"mvgds", "opt.mvgds", "comma separated grid ids"},
	{"start_datetime", "opt.start_datetime", "first timestamp of the timeframe"},
	{"total_timesteps", "opt.total_timesteps", "timesteps of the timeframe"},
	{"timesteps_per_iteration", "opt.timesteps_per_iteration", "primary window length"},
	{"iterations_per_era", "opt.iterations_per_era", "windows per era"},
	{"overlap_iterations", "opt.overlap_iterations", "look-ahead timesteps"},
	{"objective", "opt.objective", "optimisation objective"},
	{"solver", "opt.solver", "solver name"},
	{"solver_timeout", "opt.solver_timeout", "per window solver timeout"},
	{"grids_run_id", "grids.run_id", "grid preparation run id"},
	{"grids_version", "grids.version", "grid preparation version"},
	{"import_dir", "grids.import_dir", "directory of the imported grid snapshots"},
	{"fix_preparation", "grids.fix_preparation", "reinforce the reference grid"},
}

func addParamFlags(cmd *cobra.Command) {
	for _, p := range paramFlags {
		cmd.Flags().String(p.name, "", p.usage)
	}
}

// paramOverrides turns the per-parameter flags set on cmd into key=value
// overrides.
func paramOverrides(cmd *cobra.Command) []string {
	var out []string
	for _, p := range paramFlags {
		if !cmd.Flags().Changed(p.name) {
			continue
		}
		v, _ := cmd.Flags().GetString(p.name)
		out = append(out, p.key+"="+v)
	}
	return out
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func run(cmd *cobra.Command, args []string) error {
	if list {
		return listGroups(cmd)
	}
	if len(args) == 0 {
		return fmt.Errorf("no task given, see --list")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath, append(append([]string(nil), overrides...), paramOverrides(cmd)...)...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logFile := cfg.Logging.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.RunDir(), logFile)
	}
	closer, err := logger.Setup(cfg.Logging.Options(logFile))
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closer.Close()
	log := logger.New("main")

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.Errorf("close: %v", cerr)
		}
	}()
	defer coremon.Recover()

	sum, err := a.Run(ctx, args...)
	fmt.Fprintln(cmd.OutOrStdout(), sum)
	return err
}

func listGroups(cmd *cobra.Command) error {
	names := make([]string, 0, len(app.Groups))
	for n := range app.Groups {
		names = append(names, n)
	}
	sort.Strings(names)
	out := cmd.OutOrStdout()
	for _, n := range names {
		fmt.Fprintf(out, "%-12s %s\n", n, app.Groups[n])
	}
	return nil
}
