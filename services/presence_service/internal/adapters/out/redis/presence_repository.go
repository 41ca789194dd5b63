package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

const (
	// 在线记录Key前缀
	recordKeyPrefix = "presence:record:"
	// 全部用户ID集合
	usersKey = "presence:users"
	// 变更通知频道
	changesChannel = "presence:changes"
	// 乐观锁冲突重试次数
	maxPatchRetries = 8
)

// PresenceRepositoryRedis Redis在线记录仓储，多个节点共享同一份数据。
// 记录不设过期时间，离线由断线钩子写入。
type PresenceRepositoryRedis struct {
	client *redis.Client
	logger *zap.Logger
}

var _ out.PresenceRepository = (*PresenceRepositoryRedis)(nil)

func NewPresenceRepositoryRedis(client *redis.Client, logger *zap.Logger) *PresenceRepositoryRedis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceRepositoryRedis{client: client, logger: logger}
}

func (r *PresenceRepositoryRedis) getKey(userID string) string {
	return recordKeyPrefix + userID
}

func (r *PresenceRepositoryRedis) Get(ctx context.Context, userID string) (*entity.PresenceRecord, error) {
	data, err := r.client.Get(ctx, r.getKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	return decode(data)
}

func (r *PresenceRepositoryRedis) List(ctx context.Context) ([]*entity.PresenceRecord, error) {
	ids, err := r.client.SMembers(ctx, usersKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*entity.PresenceRecord{}, nil
	}

	// 使用Pipeline批量获取
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.getKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	result := make([]*entity.PresenceRecord, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			// 集合与记录不一致时跳过，下次写入会修复
			continue
		}
		rec, err := decode(data)
		if err != nil {
			r.logger.Warn("skip undecodable presence record", zap.String("user_id", ids[i]), zap.Error(err))
			continue
		}
		result = append(result, rec)
	}
	return result, nil
}

func (r *PresenceRepositoryRedis) Put(ctx context.Context, rec *entity.PresenceRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	change, err := json.Marshal(entity.PresenceChange{UserID: rec.UserID, Record: rec})
	if err != nil {
		return err
	}

	// 写入与通知放在同一个事务里，订阅者看到的顺序与写入顺序一致
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.getKey(rec.UserID), data, 0)
		pipe.SAdd(ctx, usersKey, rec.UserID)
		pipe.Publish(ctx, changesChannel, change)
		return nil
	})
	return err
}

// Patch 基于 WATCH 的读改写，冲突时重试
func (r *PresenceRepositoryRedis) Patch(ctx context.Context, userID string, patch entity.PresencePatch, now time.Time) (*entity.PresenceRecord, error) {
	if userID == "" {
		return nil, entity.ErrInvalidRecord
	}
	key := r.getKey(userID)

	var result *entity.PresenceRecord
	txf := func(tx *redis.Tx) error {
		var current *entity.PresenceRecord
		data, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = decode(data); err != nil {
				return err
			}
		}

		next := patch.Apply(current, userID, now)
		if err := next.Validate(); err != nil {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		change, err := json.Marshal(entity.PresenceChange{UserID: userID, Record: next})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.SAdd(ctx, usersKey, userID)
			pipe.Publish(ctx, changesChannel, change)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxPatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("patch presence %s: too many concurrent writers", userID)
}

func (r *PresenceRepositoryRedis) Delete(ctx context.Context, userID string) error {
	change, err := json.Marshal(entity.PresenceChange{UserID: userID, Deleted: true})
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.getKey(userID))
		pipe.SRem(ctx, usersKey, userID)
		pipe.Publish(ctx, changesChannel, change)
		return nil
	})
	return err
}

// Changes 订阅变更频道，确认订阅成功后才返回
func (r *PresenceRepositoryRedis) Changes(ctx context.Context) (<-chan entity.PresenceChange, error) {
	sub := r.client.Subscribe(ctx, changesChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", changesChannel, err)
	}

	result := make(chan entity.PresenceChange, 256)
	go func() {
		defer close(result)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var change entity.PresenceChange
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					r.logger.Warn("skip undecodable presence change", zap.Error(err))
					continue
				}
				select {
				case result <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return result, nil
}

func decode(data string) (*entity.PresenceRecord, error) {
	var rec entity.PresenceRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode presence record: %w", err)
	}
	return &rec, nil
}
