package providers

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.od2.network/matchmaker/pkg/handoff"
	"go.od2.network/matchmaker/pkg/lobby"
	"go.od2.network/matchmaker/pkg/matchqueue"
	"go.od2.network/matchmaker/pkg/notify"
	"go.od2.network/matchmaker/pkg/reaper"
	"go.uber.org/zap"
)

// Matching config keys.
const (
	ConfMatchPrefix             = "match.prefix"
	ConfMatchTickInterval       = "match.tick_interval"
	ConfMatchRelaxInterval      = "match.relax_interval"
	ConfMatchTimeout            = "match.timeout"
	ConfMatchStaleSweepInterval = "match.stale_sweep_interval"
	ConfMatchScanLimit          = "match.scan_limit"
	ConfMatchLeaseTTL           = "match.lease_ttl"
	ConfMatchDispatchTimeout    = "match.dispatch_timeout"
)

func init() {
	viper.SetDefault(ConfMatchPrefix, matchqueue.DefaultPrefix)
	viper.SetDefault(ConfMatchTickInterval, 3*time.Second)
	viper.SetDefault(ConfMatchRelaxInterval, 10*time.Second)
	viper.SetDefault(ConfMatchTimeout, 30*time.Second)
	viper.SetDefault(ConfMatchStaleSweepInterval, 90*time.Second)
	viper.SetDefault(ConfMatchScanLimit, uint(matchqueue.DefaultScanLimit))
	viper.SetDefault(ConfMatchLeaseTTL, time.Minute)
	viper.SetDefault(ConfMatchDispatchTimeout, lobby.DefaultDispatchTimeout)
}

// MatchConfig holds the timing of the matching pipeline.
type MatchConfig struct {
	Prefix             string
	TickInterval       time.Duration
	RelaxInterval      time.Duration
	Timeout            time.Duration
	StaleSweepInterval time.Duration
	ScanLimit          uint
	LeaseTTL           time.Duration
	DispatchTimeout    time.Duration
}

// NewMatchConfig reads the matching config.
func NewMatchConfig(log *zap.Logger) *MatchConfig {
	conf := &MatchConfig{
		Prefix:             viper.GetString(ConfMatchPrefix),
		TickInterval:       viper.GetDuration(ConfMatchTickInterval),
		RelaxInterval:      viper.GetDuration(ConfMatchRelaxInterval),
		Timeout:            viper.GetDuration(ConfMatchTimeout),
		StaleSweepInterval: viper.GetDuration(ConfMatchStaleSweepInterval),
		ScanLimit:          viper.GetUint(ConfMatchScanLimit),
		LeaseTTL:           viper.GetDuration(ConfMatchLeaseTTL),
		DispatchTimeout:    viper.GetDuration(ConfMatchDispatchTimeout),
	}
	if conf.TickInterval <= 0 || conf.RelaxInterval <= 0 || conf.Timeout <= 0 || conf.StaleSweepInterval <= 0 {
		log.Fatal("Match intervals must be positive")
	}
	log.Info("Using match config",
		zap.String(ConfMatchPrefix, conf.Prefix),
		zap.Duration(ConfMatchTickInterval, conf.TickInterval),
		zap.Duration(ConfMatchRelaxInterval, conf.RelaxInterval),
		zap.Duration(ConfMatchTimeout, conf.Timeout))
	return conf
}

// NewMatchQueue loads the match store scripts.
func NewMatchQueue(ctx context.Context, rd *redis.Client, conf *MatchConfig) (*matchqueue.Store, error) {
	store, err := matchqueue.NewStore(ctx, rd, matchqueue.KeysForPrefix(conf.Prefix))
	if err != nil {
		return nil, err
	}
	store.ScanLimit = conf.ScanLimit
	return store, nil
}

// NewNotifyPublisher returns the per-connection pub/sub publisher.
func NewNotifyPublisher(rd *redis.Client, conf *MatchConfig) *notify.Publisher {
	return &notify.Publisher{
		Redis:    rd,
		Channels: notify.ChannelsForPrefix(conf.Prefix),
	}
}

// NewLobby assembles the fast path of match requests.
func NewLobby(
	log *zap.Logger,
	store *matchqueue.Store,
	dispatcher *handoff.Dispatcher,
	metrics *lobby.Metrics,
	conf *MatchConfig,
) *lobby.Service {
	return &lobby.Service{
		Log:             log.Named("lobby"),
		Store:           store,
		Dispatcher:      dispatcher,
		Metrics:         metrics,
		DispatchTimeout: conf.DispatchTimeout,
	}
}

// NewTimeouts assembles the timeout check run by the relaxation worker.
func NewTimeouts(
	log *zap.Logger,
	store *matchqueue.Store,
	publisher *notify.Publisher,
	metrics *reaper.Metrics,
	conf *MatchConfig,
) *reaper.Timeouts {
	return &reaper.Timeouts{
		Log:      log.Named("timeouts"),
		Store:    store,
		Notifier: publisher,
		Metrics:  metrics,
		Timeout:  conf.Timeout,
	}
}
