package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/surge/internal/target"
)

func (a *app) newTargetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Run a local HTTP server to test against",
		Long: `Start a local HTTP server for trying out load tests.

Endpoints: / (configurable), /fast, /slow, /spike, /error, /health`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := target.Config{
				Delay:     a.v.GetDuration("delay"),
				Jitter:    a.v.GetDuration("jitter"),
				Status:    a.v.GetInt("status"),
				ErrorRate: a.v.GetFloat64("error-rate"),
			}

			logger, err := a.logger()
			if err != nil {
				return withCode(ExitError, err)
			}
			defer func() { _ = logger.Sync() }()

			ln, err := net.Listen("tcp", a.v.GetString("addr"))
			if err != nil {
				return withCode(ExitError, err)
			}
			fmt.Fprintf(a.stdout, "Target server running on http://%s\n", ln.Addr())
			fmt.Fprintln(a.stdout, "   Endpoints: /, /fast, /slow, /spike, /error, /health")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := target.Serve(ctx, ln, cfg, logger); err != nil {
				return withCode(ExitError, err)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.String("addr", "127.0.0.1:8080", "Address to listen on")
	f.Duration("delay", 0, "Delay added to every response on /")
	f.Duration("jitter", 0, "Random extra delay on /")
	f.Int("status", 200, "Status code returned by /")
	f.Float64("error-rate", 0, "Fraction of requests on / answered with 500")

	return cmd
}
