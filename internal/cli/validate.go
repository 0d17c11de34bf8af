package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/surge/internal/performance/config"
)

func (a *app) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config>",
		Short: "Check a configuration file without generating load",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.validate(args[0])
		},
	}
}

func (a *app) validate(path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return withCode(ExitError, err)
		}
		return withCode(ExitInvalidConfig, err)
	}

	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return withCode(ExitInvalidConfig, err)
	}

	plan, err := cfg.Plan()
	if err != nil {
		return withCode(ExitInvalidConfig, err)
	}
	set, err := cfg.ThresholdSet()
	if err != nil {
		return withCode(ExitInvalidConfig, err)
	}

	fmt.Fprintf(a.stdout, "%s is valid: %d stages over %s, up to %d VUs, %d thresholds\n",
		path, len(plan.Stages()), plan.TotalDuration(), plan.MaxTarget(), set.Len())
	return nil
}
