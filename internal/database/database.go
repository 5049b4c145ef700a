package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/life-stream-dev/life-stream-go-save-sync/internal/config"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/utils"
)

// Open connects the gateway selected by cfg.Database.Driver.
func Open(ctx context.Context, cfg c.Config) (Gateway, error) {
	switch strings.ToLower(cfg.Database.Driver) {
	case "mongo":
		return ConnectMongo(ctx, cfg.Database, cfg.AppName)
	case "sqlite":
		return OpenSQLite(cfg.Database.SQLitePath)
	case "memory":
		logger.Warn("Using in-memory database, data will be lost on shutdown")
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

// CloseCallback adapts a Gateway to the shutdown cleaner.
type CloseCallback struct {
	gateway Gateway
}

func NewCloseCallback(gateway Gateway) *CloseCallback {
	return &CloseCallback{gateway: gateway}
}

func (dc *CloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	return dc.gateway.Close(ctx)
}

func ConnectMongo(ctx context.Context, config c.DatabaseConfig, appName string) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")

	operationTimeout := utils.ParseStringTime(config.OperationTimeout)
	if operationTimeout <= 0 {
		operationTimeout = 5 * time.Second
	}

	// 编码特殊字符
	encodedUser := url.QueryEscape(config.Username)
	encodedPass := url.QueryEscape(config.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%d/", config.Host, config.Port)
	if config.Username != "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
			encodedUser, encodedPass,
			config.Host,
			config.Port,
		)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(appName)
	// 连接池配置
	clientOptions.SetMinPoolSize(config.MinPoolSize) // 最小连接数
	clientOptions.SetMaxPoolSize(config.MaxPoolSize) // 最大连接数
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(config.ConnectIdleTimeout))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTime(config.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(config.SocketTimeout))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(config.Heartbeat))
	// TLS
	if config.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s#%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s#%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(config.Database)
	_, err = db.Collection(MailCollectionName).Indexes().CreateOne(
		connectCtx,
		mongo.IndexModel{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("mails_expires_at"),
		},
	)
	if err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	logger.InfoF("Connected to MongoDB %s:%d/%s", config.Host, config.Port, config.Database)
	return NewMongoStore(client, db, operationTimeout), nil
}
