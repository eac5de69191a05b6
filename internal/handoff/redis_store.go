package handoff

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentPay-Chain/internal/errors"
)

// DefaultRetention 是交易结束或过期后在 Redis 中保留的时长。
const DefaultRetention = 24 * time.Hour

const maxWatchAttempts = 5

// RedisStore 以 "<prefix><id>" 键保存交易 JSON，并用有序集合 "<prefix>expiry"
// 按过期时间索引仍处于 pending 的交易。
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisStore 创建 Redis 存储，prefix 为空时使用 "agentpay:handoff:"。
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "agentpay:handoff:"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) expiryKey() string { return s.prefix + "expiry" }

func (s *RedisStore) Create(ctx context.Context, tx *PendingTransaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化交易失败")
	}
	ttl := time.Until(tx.ExpiresAt) + s.retention
	// 主键与过期索引在同一个 MULTI/EXEC 中写入。
	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, s.key(tx.ID), raw, ttl)
		if tx.Status == StatusPending {
			pipe.ZAddNX(ctx, s.expiryKey(), redis.Z{
				Score:  float64(tx.ExpiresAt.UnixMilli()),
				Member: tx.ID,
			})
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 失败")
	}
	if !created.Val() {
		return xerrors.New(xerrors.CodeConflict, "交易已存在")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*PendingTransaction, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 失败")
	}
	return decodeTransaction(raw)
}

// Apply 通过 WATCH/MULTI 实现条件更新，冲突时有限次重试。
func (s *RedisStore) Apply(ctx context.Context, id string, change Change) (*PendingTransaction, error) {
	key := s.key(id)
	var result *PendingTransaction
	var stateErr error

	txf := func(rtx *redis.Tx) error {
		raw, err := rtx.Get(ctx, key).Bytes()
		if err != nil {
			if stdErrors.Is(err, redis.Nil) {
				stateErr = ErrNotFound
				return nil
			}
			return err
		}
		current, err := decodeTransaction(raw)
		if err != nil {
			return err
		}
		if current.Status != change.From {
			result, stateErr = current, ErrStatusChanged
			return nil
		}
		applyChange(current, change)
		updated, err := json.Marshal(current)
		if err != nil {
			return err
		}
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			if change.From == StatusPending {
				pipe.ZRem(ctx, s.expiryKey(), id)
			}
			return nil
		})
		if err == nil {
			result, stateErr = current, nil
		}
		return err
	}

	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, stateErr
		}
		if stdErrors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 Redis 交易失败")
	}
	return nil, xerrors.New(xerrors.CodeConflict, "交易并发更新过多")
}

// ExpireDue 从过期索引中取出到期交易并逐个标记为 expired。
func (s *RedisStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli()-1, 10),
	}).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取过期索引失败")
	}
	n := 0
	for _, id := range ids {
		_, err := s.Apply(ctx, id, Change{From: StatusPending, To: StatusExpired, At: now})
		switch {
		case err == nil:
			n++
		case stdErrors.Is(err, ErrNotFound), stdErrors.Is(err, ErrStatusChanged):
			s.client.ZRem(ctx, s.expiryKey(), id)
		default:
			return n, err
		}
	}
	return n, nil
}

func decodeTransaction(raw []byte) (*PendingTransaction, error) {
	var tx PendingTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易失败")
	}
	return &tx, nil
}

var _ Store = (*RedisStore)(nil)
