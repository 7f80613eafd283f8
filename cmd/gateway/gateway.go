package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/matchmaker/cmd/providers"
	"go.od2.network/matchmaker/pkg/gateway"
	"go.od2.network/matchmaker/pkg/lobby"
	"go.od2.network/matchmaker/pkg/notify"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Cmd is the gateway sub-command.
var Cmd = cobra.Command{
	Use:   "gateway",
	Short: "Run client WebSocket gateway",
	Long: "Serves client connections and runs the fast path of match requests.\n" +
		"It is safe to load-balance multiple gateways.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd, fx.Invoke(Run))
		app.Run()
	},
}

// Gateway config keys.
const (
	ConfListenNet      = "gateway.listen.net"
	ConfListenAddr     = "gateway.listen.addr"
	ConfAllowedOrigins = "gateway.allowed_origins"
	ConfPingInterval   = "gateway.ping_interval"
	ConfPongTimeout    = "gateway.pong_timeout"
	ConfWriteTimeout   = "gateway.write_timeout"
	ConfMaxMessageSize = "gateway.max_message_size"
	ConfMessageRate    = "gateway.message_rate"
	ConfRateWindow     = "gateway.rate_window"
)

func init() {
	viper.SetDefault(ConfListenNet, "tcp")
	viper.SetDefault(ConfListenAddr, "localhost:8080")
	viper.SetDefault(ConfAllowedOrigins, gateway.DefaultOptions.AllowedOrigins)
	viper.SetDefault(ConfPingInterval, gateway.DefaultOptions.PingInterval)
	viper.SetDefault(ConfPongTimeout, gateway.DefaultOptions.PongTimeout)
	viper.SetDefault(ConfWriteTimeout, gateway.DefaultOptions.WriteTimeout)
	viper.SetDefault(ConfMaxMessageSize, gateway.DefaultOptions.MaxMessageSize)
	viper.SetDefault(ConfMessageRate, gateway.DefaultOptions.MessageRate)
	viper.SetDefault(ConfRateWindow, gateway.DefaultOptions.RateWindow)
}

type gatewayIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Redis     *redis.Client
	Lobby     *lobby.Service
	Publisher *notify.Publisher
}

// Run starts the gateway HTTP server.
func Run(log *zap.Logger, inputs gatewayIn) {
	server := &gateway.Server{
		Log:        log.Named("gateway"),
		Lobby:      inputs.Lobby,
		Subscriber: inputs.Publisher,
		Health: func(ctx context.Context) error {
			return inputs.Redis.Ping(ctx).Err()
		},
		Options: gateway.Options{
			AllowedOrigins: viper.GetStringSlice(ConfAllowedOrigins),
			PingInterval:   viper.GetDuration(ConfPingInterval),
			PongTimeout:    viper.GetDuration(ConfPongTimeout),
			WriteTimeout:   viper.GetDuration(ConfWriteTimeout),
			MaxMessageSize: viper.GetInt64(ConfMaxMessageSize),
			MessageRate:    float32(viper.GetFloat64(ConfMessageRate)),
			RateWindow:     viper.GetUint(ConfRateWindow),
		},
	}
	if server.RateWindow == 0 {
		log.Fatal("Zero " + ConfRateWindow)
	}
	listen := providers.MustListen(log,
		viper.GetString(ConfListenNet),
		viper.GetString(ConfListenAddr))
	providers.LifecycleServe(log, inputs.Lifecycle, listen, providers.HTTPServer{
		Server: &http.Server{
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		ShutdownTimeout: 5 * time.Second,
	})
}
