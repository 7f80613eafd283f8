package providers

import (
	"time"

	"github.com/Shopify/sarama"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
	"go.od2.network/matchmaker/pkg/handoff"
	"go.od2.network/matchmaker/pkg/rooms"
	"go.uber.org/zap"
)

// Handoff config keys.
const (
	ConfKafkaTopicPrefix     = "kafka.topic_prefix"
	ConfHandoffMaxRetries    = "handoff.max_retries"
	ConfHandoffRetryInterval = "handoff.retry_interval"
	ConfRoomsTable           = "rooms.table"
)

func init() {
	viper.SetDefault(ConfKafkaTopicPrefix, "matchmaker")
	viper.SetDefault(ConfHandoffMaxRetries, uint64(handoff.DefaultMaxRetries))
	viper.SetDefault(ConfHandoffRetryInterval, 200*time.Millisecond)
	viper.SetDefault(ConfRoomsTable, rooms.DefaultTableName)
}

// NewRoomsStore returns the SQL store of match rooms.
func NewRoomsStore(db *sqlx.DB) *rooms.Store {
	return &rooms.Store{
		DB:        db,
		TableName: viper.GetString(ConfRoomsTable),
	}
}

// NewHandoffTopics returns the Kafka topics of the match handoff.
func NewHandoffTopics(log *zap.Logger) handoff.Topics {
	prefix := viper.GetString(ConfKafkaTopicPrefix)
	if prefix == "" {
		log.Fatal("Empty " + ConfKafkaTopicPrefix)
	}
	return handoff.TopicsForPrefix(prefix)
}

// NewDispatcher assembles the match handoff to downstream services.
func NewDispatcher(
	log *zap.Logger,
	store *rooms.Store,
	producer sarama.SyncProducer,
	metrics *handoff.Metrics,
	topics handoff.Topics,
) *handoff.Dispatcher {
	return &handoff.Dispatcher{
		Log:           log.Named("handoff"),
		Rooms:         store,
		Producer:      producer,
		Metrics:       metrics,
		Topics:        topics,
		MaxRetries:    viper.GetUint64(ConfHandoffMaxRetries),
		RetryInterval: viper.GetDuration(ConfHandoffRetryInterval),
	}
}
