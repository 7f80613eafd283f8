package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/matchmaker/cmd/admintool"
	"go.od2.network/matchmaker/cmd/allinone"
	"go.od2.network/matchmaker/cmd/gateway"
	"go.od2.network/matchmaker/cmd/handoff"
	"go.od2.network/matchmaker/cmd/notifier"
	"go.od2.network/matchmaker/cmd/providers"
	"go.od2.network/matchmaker/cmd/reaper"
	"go.od2.network/matchmaker/cmd/worker"
	"go.uber.org/zap"
)

var rootCmd = cobra.Command{
	Use:   "matchmaker",
	Short: "od2/matchmaker server",

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logConfig zap.Config
		if devMode {
			logConfig = zap.NewDevelopmentConfig()
		} else {
			logConfig = zap.NewProductionConfig()
		}
		log, err := logConfig.Build()
		if err != nil {
			panic("failed to build logger: " + err.Error())
		}
		providers.Log = log
		readConfig(log)
		handler, err := providers.SetupPrometheus()
		if err != nil {
			log.Fatal("Failed to set up metrics", zap.Error(err))
		}
		providers.ServeMetrics(log, handler)
	},
}

var devMode bool
var configFile string

func init() {
	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.BoolVar(&devMode, "dev", false, "Dev mode")
	persistentFlags.StringVar(&configFile, "config", "", "Config file")

	rootCmd.AddCommand(
		&admintool.Cmd,
		&allinone.Cmd,
		&gateway.Cmd,
		&handoff.Cmd,
		&notifier.Cmd,
		&reaper.Cmd,
		&worker.Cmd,
	)
}

func readConfig(log *zap.Logger) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to read .env", zap.Error(err))
	}
	viper.SetEnvPrefix("matchmaker")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if configFile == "" {
		return
	}
	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		log.Fatal("Failed to read config", zap.String("config", configFile), zap.Error(err))
	}
	log.Info("Using config file", zap.String("config", viper.ConfigFileUsed()))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
