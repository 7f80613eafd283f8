package notifier

import (
	"time"

	"github.com/Shopify/sarama"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/matchmaker/cmd/providers"
	"go.od2.network/matchmaker/pkg/cachegc"
	"go.od2.network/matchmaker/pkg/handoff"
	"go.od2.network/matchmaker/pkg/notify"
	"go.od2.network/matchmaker/pkg/rooms"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Cmd is the notifier sub-command.
var Cmd = cobra.Command{
	Use:   "notifier",
	Short: "Run match notification service.",
	Long: "Consumes provisioned sessions and notifies both participants\n" +
		"on whichever gateway holds their connection.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd, fx.Invoke(Run))
		app.Run()
	},
}

// Notifier config keys.
const (
	ConfInterval      = "notifier.interval"
	ConfBatch         = "notifier.batch"
	ConfConsumerGroup = "notifier.consumer_group"
	ConfSeenSize      = "notifier.seen.size"
	ConfSeenTTL       = "notifier.seen.ttl"
)

func init() {
	viper.SetDefault(ConfInterval, 500*time.Millisecond)
	viper.SetDefault(ConfBatch, uint(64))
	viper.SetDefault(ConfConsumerGroup, "matchmaker.notifier")
	viper.SetDefault(ConfSeenSize, 4096)
	viper.SetDefault(ConfSeenTTL, 10*time.Minute)
}

type notifierIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Shutdown  fx.Shutdowner
	Sarama    sarama.Client
	Topics    handoff.Topics
	Rooms     *rooms.Store
	Publisher *notify.Publisher
	Metrics   *handoff.Metrics
}

// Run starts consuming session provisions.
func Run(log *zap.Logger, inputs notifierIn) {
	seen, err := cachegc.NewLRU(viper.GetInt(ConfSeenSize), viper.GetDuration(ConfSeenTTL))
	if err != nil {
		log.Fatal("Failed to build notified cache", zap.Error(err))
	}
	worker := &handoff.NotifyWorker{
		Log:       log.Named("notifier"),
		Rooms:     inputs.Rooms,
		Notifier:  inputs.Publisher,
		Seen:      seen,
		Metrics:   inputs.Metrics,
		MaxDelay:  viper.GetDuration(ConfInterval),
		BatchSize: viper.GetUint(ConfBatch),
	}
	consumerGroup, err := providers.GetSaramaConsumerGroup(inputs.Lifecycle, log, inputs.Sarama,
		viper.GetString(ConfConsumerGroup))
	if err != nil {
		log.Fatal("Failed to get consumer group", zap.Error(err))
	}
	providers.ConsumeWithLifecycle(inputs.Lifecycle, inputs.Shutdown, log, consumerGroup,
		[]string{inputs.Topics.SessionProvision}, worker)
}
