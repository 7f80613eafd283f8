package reaper

import (
	"context"

	"github.com/spf13/cobra"
	"go.od2.network/matchmaker/cmd/providers"
	"go.od2.network/matchmaker/pkg/matchqueue"
	"go.od2.network/matchmaker/pkg/notify"
	"go.od2.network/matchmaker/pkg/reaper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Cmd is the reaper sub-command.
var Cmd = cobra.Command{
	Use:   "reaper",
	Short: "Run stale request reaper.",
	Long: "Periodically removes requests that outlived the match timeout,\n" +
		"for example when all workers were down.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd, fx.Invoke(Run))
		app.Run()
	},
}

type reaperIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *providers.MatchConfig
	Store     *matchqueue.Store
	Publisher *notify.Publisher
	Metrics   *reaper.Metrics
}

// Run starts the sweeper.
func Run(log *zap.Logger, inputs reaperIn) {
	sweeper := &reaper.Sweeper{
		Log:      log.Named("reaper"),
		Store:    inputs.Store,
		Notifier: inputs.Publisher,
		Metrics:  inputs.Metrics,
		Interval: inputs.Config.StaleSweepInterval,
		MaxAge:   reaper.MaxAgeFor(inputs.Config.Timeout, inputs.Config.RelaxInterval),
	}
	log.Info("Starting reaper", zap.Duration("max_age", sweeper.MaxAge))
	providers.RunWithContext(inputs.Lifecycle, func(ctx context.Context) {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Reaper failed", zap.Error(err))
		}
	})
}
