package allinone

import (
	"github.com/spf13/cobra"
	"go.od2.network/matchmaker/cmd/gateway"
	"go.od2.network/matchmaker/cmd/handoff"
	"go.od2.network/matchmaker/cmd/notifier"
	"go.od2.network/matchmaker/cmd/providers"
	"go.od2.network/matchmaker/cmd/reaper"
	"go.od2.network/matchmaker/cmd/worker"
	"go.uber.org/fx"
)

// Cmd is the all-in-one sub-command.
var Cmd = cobra.Command{
	Use:   "all-in-one",
	Short: "Run all-in-one stack.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd, opts...)
		app.Run()
	},
}

var opts = []fx.Option{
	fx.Invoke(gateway.Run),
	fx.Invoke(worker.Run),
	fx.Invoke(reaper.Run),
	fx.Invoke(notifier.Run),
	fx.Invoke(handoff.Run),
}
