package handoff

import (
	"time"

	"github.com/Shopify/sarama"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/matchmaker/cmd/providers"
	"go.od2.network/matchmaker/pkg/cachegc"
	"go.od2.network/matchmaker/pkg/handoff"
	"go.od2.network/matchmaker/pkg/rooms"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Cmd is the handoff sub-command.
var Cmd = cobra.Command{
	Use:   "handoff",
	Short: "Run question reply consumer.",
	Long:  "Consumes questions selected by the question service and attaches them to rooms.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd, fx.Invoke(Run))
		app.Run()
	},
}

// Handoff consumer config keys.
const (
	ConfInterval      = "handoff.interval"
	ConfBatch         = "handoff.batch"
	ConfConsumerGroup = "handoff.consumer_group"
	ConfSeenSize      = "handoff.seen.size"
	ConfSeenTTL       = "handoff.seen.ttl"
)

func init() {
	viper.SetDefault(ConfInterval, 2*time.Second)
	viper.SetDefault(ConfBatch, uint(256))
	viper.SetDefault(ConfConsumerGroup, "matchmaker.handoff")
	viper.SetDefault(ConfSeenSize, 4096)
	viper.SetDefault(ConfSeenTTL, 10*time.Minute)
}

type handoffIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Shutdown  fx.Shutdowner
	Sarama    sarama.Client
	Topics    handoff.Topics
	Rooms     *rooms.Store
	Metrics   *handoff.Metrics
}

// Run starts consuming question replies.
func Run(log *zap.Logger, inputs handoffIn) {
	seen, err := cachegc.NewLRU(viper.GetInt(ConfSeenSize), viper.GetDuration(ConfSeenTTL))
	if err != nil {
		log.Fatal("Failed to build dedup cache", zap.Error(err))
	}
	worker := &handoff.ReplyWorker{
		Log:       log.Named("replies"),
		Rooms:     inputs.Rooms,
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
		[]string{inputs.Topics.QuestionSelected}, worker)
}
