package worker

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.od2.network/matchmaker/cmd/providers"
	"go.od2.network/matchmaker/pkg/handoff"
	"go.od2.network/matchmaker/pkg/matchqueue"
	"go.od2.network/matchmaker/pkg/reaper"
	"go.od2.network/matchmaker/pkg/relax"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Cmd is the worker sub-command.
var Cmd = cobra.Command{
	Use:   "worker",
	Short: "Run relaxation worker.",
	Long: "Runs the background process pairing requests with relaxed criteria\n" +
		"and failing requests that waited too long.\n" +
		"Running multiple workers is allowed, ticks are serialized with a lease.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd, fx.Invoke(Run))
		app.Run()
	},
}

type workerIn struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Config     *providers.MatchConfig
	Store      *matchqueue.Store
	Dispatcher *handoff.Dispatcher
	Timeouts   *reaper.Timeouts
	Metrics    *relax.Metrics
}

// Run starts the relaxation worker.
func Run(log *zap.Logger, inputs workerIn) {
	worker := &relax.Worker{
		Log:        log.Named("relax"),
		Store:      inputs.Store,
		Dispatcher: inputs.Dispatcher,
		Timeouts:   inputs.Timeouts,
		Metrics:    inputs.Metrics,
		Options: relax.Options{
			TickInterval:  inputs.Config.TickInterval,
			RelaxInterval: inputs.Config.RelaxInterval,
			LeaseTTL:      inputs.Config.LeaseTTL,
		},
		Owner: leaseOwner(),
	}
	log.Info("Starting relaxation worker", zap.String("owner", worker.Owner))
	providers.RunWithContext(inputs.Lifecycle, func(ctx context.Context) {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Worker failed", zap.Error(err))
		}
	})
}

func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "/" + uuid.New().String()
}
