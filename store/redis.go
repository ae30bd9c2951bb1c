package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis. It uses a simple key structure:
//
//	<prefix>info:<key>         => HASH {value, updated}
//	<prefix>cmd:seq            => counter for command ids
//	<prefix>cmd:<id>           => HASH {scan, run_order, status, created}
//	<prefix>cmd:pending        => ZSET of requested ids, score = run order
//
// Pending queue members are zero-padded ids so commands with equal run order
// keep insertion order under Redis's lexicographic tie-break.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. prefix is optional and defaults to
// "stepscan:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stepscan:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyInfo(key string) string { return r.prefix + "info:" + key }

func (r *RedisStore) keyCommand(id int64) string {
	return r.prefix + "cmd:" + strconv.FormatInt(id, 10)
}

func (r *RedisStore) keyCommandSeq() string { return r.prefix + "cmd:seq" }

func (r *RedisStore) keyPending() string { return r.prefix + "cmd:pending" }

func (r *RedisStore) keyData(run, label string) string {
	return r.prefix + "data:" + run + ":" + SanitizeLabel(label)
}

func (r *RedisStore) keyDefinition(name string) string { return r.prefix + "def:" + name }

func pendingMember(id int64) string { return fmt.Sprintf("%020d", id) }

func (r *RedisStore) GetInfo(ctx context.Context, key, def string) (string, error) {
	value, err := r.client.HGet(ctx, r.keyInfo(key), "value").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return def, nil
		}
		return def, err
	}
	return value, nil
}

func (r *RedisStore) GetInfoRow(ctx context.Context, key string) (Info, error) {
	fields, err := r.client.HGetAll(ctx, r.keyInfo(key)).Result()
	if err != nil {
		return Info{}, err
	}
	if len(fields) == 0 {
		return Info{}, ErrNotFound
	}
	info := Info{Key: key, Value: fields["value"]}
	if nanos, err := strconv.ParseInt(fields["updated"], 10, 64); err == nil {
		info.Updated = time.Unix(0, nanos)
	}
	return info, nil
}

func (r *RedisStore) SetInfo(ctx context.Context, key, value string) error {
	return r.client.HSet(ctx, r.keyInfo(key),
		"value", value,
		"updated", time.Now().UnixNano(),
	).Err()
}

func (r *RedisStore) AddCommand(ctx context.Context, scan string, runOrder int) (int64, error) {
	id, err := r.client.Incr(ctx, r.keyCommandSeq()).Result()
	if err != nil {
		return 0, err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.keyCommand(id),
		"scan", scan,
		"run_order", runOrder,
		"status", string(CommandRequested),
		"created", time.Now().UnixNano(),
	)
	pipe.ZAdd(ctx, r.keyPending(), redis.Z{Score: float64(runOrder), Member: pendingMember(id)})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *RedisStore) Command(ctx context.Context, id int64) (Command, error) {
	return r.getCommand(ctx, id)
}

func (r *RedisStore) CurrentCommand(ctx context.Context) (Command, error) {
	members, err := r.client.ZRange(ctx, r.keyPending(), 0, 0).Result()
	if err != nil {
		return Command{}, err
	}
	if len(members) == 0 {
		return Command{}, ErrNotFound
	}
	id, err := strconv.ParseInt(members[0], 10, 64)
	if err != nil {
		return Command{}, fmt.Errorf("malformed pending member %q: %w", members[0], err)
	}
	return r.getCommand(ctx, id)
}

func (r *RedisStore) PendingCommands(ctx context.Context) ([]Command, error) {
	members, err := r.client.ZRange(ctx, r.keyPending(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var pending []Command
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed pending member %q: %w", member, err)
		}
		cmd, err := r.getCommand(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		pending = append(pending, cmd)
	}
	return pending, nil
}

func (r *RedisStore) getCommand(ctx context.Context, id int64) (Command, error) {
	fields, err := r.client.HGetAll(ctx, r.keyCommand(id)).Result()
	if err != nil {
		return Command{}, err
	}
	if len(fields) == 0 {
		return Command{}, ErrNotFound
	}
	cmd := Command{
		ID:     id,
		Scan:   fields["scan"],
		Status: CommandStatus(fields["status"]),
	}
	if order, err := strconv.Atoi(fields["run_order"]); err == nil {
		cmd.RunOrder = order
	}
	if nanos, err := strconv.ParseInt(fields["created"], 10, 64); err == nil {
		cmd.Created = time.Unix(0, nanos)
	}
	return cmd, nil
}

func (r *RedisStore) SetCommandStatus(ctx context.Context, id int64, status CommandStatus) error {
	cmd, err := r.getCommand(ctx, id)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.keyCommand(id), "status", string(status))
	if status == CommandRequested {
		pipe.ZAdd(ctx, r.keyPending(), redis.Z{Score: float64(cmd.RunOrder), Member: pendingMember(id)})
	} else {
		pipe.ZRem(ctx, r.keyPending(), pendingMember(id))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) CancelRemaining(ctx context.Context) (int, error) {
	members, err := r.client.ZRange(ctx, r.keyPending(), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	pipe := r.client.TxPipeline()
	canceled := 0
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		pipe.HSet(ctx, r.keyCommand(id), "status", string(CommandCanceled))
		canceled++
	}
	pipe.Del(ctx, r.keyPending())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return canceled, nil
}

func (r *RedisStore) SetScanData(ctx context.Context, run, label string, values []float64) error {
	points, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.keyData(run, label), points, 0).Err()
}

func (r *RedisStore) GetScanData(ctx context.Context, run, label string) ([]float64, error) {
	points, err := r.client.Get(ctx, r.keyData(run, label)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var values []float64
	if err := json.Unmarshal(points, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func (r *RedisStore) SaveDefinition(ctx context.Context, name string, body []byte) error {
	return r.client.Set(ctx, r.keyDefinition(name), body, 0).Err()
}

func (r *RedisStore) GetDefinition(ctx context.Context, name string) ([]byte, error) {
	body, err := r.client.Get(ctx, r.keyDefinition(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return body, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
