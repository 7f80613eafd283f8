// Package providers holds the fx constructors shared by all matchmaker commands.
package providers

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.od2.network/matchmaker/pkg/appctx"
	"go.od2.network/matchmaker/pkg/handoff"
	"go.od2.network/matchmaker/pkg/lobby"
	"go.od2.network/matchmaker/pkg/reaper"
	"go.od2.network/matchmaker/pkg/relax"
	"go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Log is the global logger.
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// handoff.go
	NewRoomsStore,
	NewHandoffTopics,
	NewDispatcher,
	handoff.NewMetrics,
	// match.go
	NewMatchConfig,
	NewMatchQueue,
	NewNotifyPublisher,
	NewLobby,
	NewTimeouts,
	lobby.NewMetrics,
	reaper.NewMetrics,
	relax.NewMetrics,
	// mysql.go
	NewMySQL,
	// providers.go
	NewContext,
	// redis.go
	NewRedis,
	// sarama.go
	NewSaramaConfig,
	NewSaramaClient,
	NewSaramaSyncProducer,
}

// NewApp builds the fx app of a long-running command.
func NewApp(cmd *cobra.Command, opts ...fx.Option) *fx.App {
	baseOpts := []fx.Option{
		fx.Provide(Providers...),
		fx.Supply(cmd),
		fx.Supply(Log),
		fx.Logger(zap.NewStdLog(Log)),
		fx.Supply(global.GetMeterProvider().Meter(cmd.Name())),
	}
	baseOpts = append(baseOpts, opts...)
	return fx.New(baseOpts...)
}

// NewCmd returns a cobra run function that builds the shared components,
// calls invoke once and shuts down.
func NewCmd(invoke interface{}) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		app := fx.New(
			fx.Provide(Providers...),
			fx.Supply(cmd),
			fx.Supply(args),
			fx.Supply(Log),
			fx.Logger(zap.NewStdLog(Log)),
			fx.Supply(global.GetMeterProvider().Meter(cmd.Name())),
			fx.Invoke(invoke),
		)
		if err := app.Err(); err != nil {
			Log.Fatal("Command failed", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(appctx.Context(), 10*time.Second)
		defer cancel()
		if err := app.Start(ctx); err != nil {
			Log.Fatal("Failed to start", zap.Error(err))
		}
		if err := app.Stop(ctx); err != nil {
			Log.Warn("Failed to stop cleanly", zap.Error(err))
		}
	}
}

// NewContext returns a context that is cancelled when the app stops.
func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}

// RunWithContext runs fn in the background once the app started.
// Stopping the app cancels the context of fn and waits for it to return.
func RunWithContext(lc fx.Lifecycle, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
