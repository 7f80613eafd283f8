package providers

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MySQL config keys.
const (
	ConfMySQLDSN             = "mysql.dsn"
	ConfMySQLMaxOpenConns    = "mysql.max_open_conns"
	ConfMySQLMaxIdleConns    = "mysql.max_idle_conns"
	ConfMySQLConnMaxLifetime = "mysql.conn_max_lifetime"
)

func init() {
	viper.SetDefault(ConfMySQLDSN, "")
	viper.SetDefault(ConfMySQLMaxOpenConns, 16)
	viper.SetDefault(ConfMySQLMaxIdleConns, 4)
	viper.SetDefault(ConfMySQLConnMaxLifetime, 5*time.Minute)
}

// MySQLConfig parses the DSN from config.
// Room timestamps are scanned into time.Time in local time.
func MySQLConfig() (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(viper.GetString(ConfMySQLDSN))
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true
	cfg.Loc = time.Local
	return cfg, nil
}

// NewMySQL connects the rooms database.
func NewMySQL(log *zap.Logger, lc fx.Lifecycle) (*sqlx.DB, error) {
	cfg, err := MySQLConfig()
	if err != nil {
		return nil, err
	}
	log.Info("Connecting to MySQL DB",
		zap.String("mysql.net", cfg.Net),
		zap.String("mysql.addr", cfg.Addr),
		zap.String("mysql.db_name", cfg.DBName),
		zap.String("mysql.user", cfg.User))
	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(viper.GetInt(ConfMySQLMaxOpenConns))
	db.SetMaxIdleConns(viper.GetInt(ConfMySQLMaxIdleConns))
	db.SetConnMaxLifetime(viper.GetDuration(ConfMySQLConnMaxLifetime))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing MySQL DB")
			return db.Close()
		},
	})
	return db, nil
}
