// Package cli implements the surge command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/logging"
	"github.com/wesleyorama2/surge/internal/performance/config"
)

// Process exit codes.
const (
	ExitOK               = 0
	ExitError            = 1
	ExitThresholdsFailed = 99
	ExitInvalidConfig    = 104
	ExitAborted          = 105
)

// exitError carries a process exit code out of a command. A nil err means
// the outcome was already reported and nothing more should be printed.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// app holds state shared by the subcommands of one invocation.
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
}

// NewRootCmd builds the command tree. Every persistent flag can also be set
// through a SURGE_ environment variable, e.g. SURGE_LOG_LEVEL=debug.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}
	a.v.SetEnvPrefix("surge")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root := &cobra.Command{
		Use:     "surge",
		Short:   "Virtual-user HTTP load generator",
		Version: config.Version,
		Long: `surge ramps a pool of virtual users through timed stages against an HTTP
endpoint, records every request and checks pass/fail thresholds over the
results.

  surge run test.yaml
  surge run --url http://localhost:8080/ --stages "10s:50,10s:50,5s:0" \
    --pacing 100ms --threshold 'http_req_duration=p(95)<500'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.v.BindPFlags(cmd.Flags())
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", logging.FormatConsole, "Log format: console or json")
	root.PersistentFlags().Bool("no-color", false, "Disable colored output")

	root.AddCommand(a.newRunCmd())
	root.AddCommand(a.newValidateCmd())
	root.AddCommand(a.newTargetCmd())

	return root
}

func (a *app) logger() (*zap.Logger, error) {
	return logging.New(a.v.GetString("log-level"), a.v.GetString("log-format"))
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd(stdout, stderr)
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return ExitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitError
}
