package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "AgentPay-Chain/internal/errors"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address     string        `koanf:"address" json:"address"`
	Password    string        `koanf:"password" json:"password"`
	DB          int           `koanf:"db" json:"db"`
	DialTimeout time.Duration `koanf:"dial_timeout" json:"dial_timeout"`
}

// Open 创建客户端并通过 PING 校验连通性。
func Open(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return client, nil
}
