package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	logx "sleeptimer/pkg/logx"
)

const defaultRedisKey = "sleeptimer:pending"

// redisStore keeps the pending set as a Redis list of encoded lines.
// ReplaceAll swaps the list inside MULTI/EXEC.
type redisStore struct {
	rdb *redis.Client
	key string
	log logx.Logger
	loc *time.Location
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}

	var opt *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		opt = parsed
	} else {
		opt = &redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	}

	rdb := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	key := strings.TrimSpace(cfg.Redis.Key)
	if key == "" {
		key = defaultRedisKey
	}
	return &redisStore{rdb: rdb, key: key, log: log, loc: cfg.Location}, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) Load(ctx context.Context) ([]Record, error) {
	lines, err := s.rdb.LRange(ctx, s.key, 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLines(strings.NewReader(strings.Join(lines, "\n")), s.loc, s.log)
}

func (s *redisStore) ReplaceAll(ctx context.Context, recs []Record) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key)
		if len(recs) == 0 {
			return nil
		}
		vals := make([]interface{}, 0, len(recs))
		for _, r := range recs {
			vals = append(vals, FormatLine(r))
		}
		p.RPush(ctx, s.key, vals...)
		return nil
	})
	return err
}

func (s *redisStore) Append(ctx context.Context, rec Record) error {
	return s.rdb.RPush(ctx, s.key, FormatLine(rec)).Err()
}
