package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a Redis server: one hash per record path
// with JSON-encoded field values, so Merge maps onto field-level HSet.
// Watches ride on pub/sub: every write publishes its path and watchers
// re-list their subtree.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

const watchChannel = "store:changes"

func NewRedis(addr, password string) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Redis{client: c, keyPrefix: "rt:"}
}

func (r *Redis) key(path string) string { return r.keyPrefix + path }

func (r *Redis) Now(ctx context.Context) time.Time {
	t, err := r.client.Time(ctx).Result()
	if err != nil {
		return time.Now()
	}
	return t
}

func (r *Redis) Get(ctx context.Context, path string, out any) (bool, error) {
	fields, err := r.client.HGetAll(ctx, r.key(path)).Result()
	if err != nil {
		return false, err
	}
	if len(fields) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(assembleObject(fields), out)
}

func (r *Redis) Set(ctx context.Context, path string, value any) error {
	fields, err := marshalFields(value)
	if err != nil {
		return err
	}
	flat := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		flat[k] = string(v)
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(path))
	pipe.HSet(ctx, r.key(path), flat)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return r.publish(ctx, path)
}

func (r *Redis) Merge(ctx context.Context, path string, fields map[string]any) error {
	flat := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		flat[k] = string(raw)
	}
	if err := r.client.HSet(ctx, r.key(path), flat).Err(); err != nil {
		return err
	}
	return r.publish(ctx, path)
}

// Delete removes the record and any claim marker left by SetIfAbsent,
// so a deleted path can be claimed again.
func (r *Redis) Delete(ctx context.Context, path string) error {
	if err := r.client.Del(ctx, r.key(path), r.key(path)+"#claim").Err(); err != nil {
		return err
	}
	return r.publish(ctx, path)
}

func (r *Redis) List(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	match := r.key(path) + "/*"
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			child := strings.TrimPrefix(k, r.key(path)+"/")
			if strings.Contains(child, "/") {
				continue
			}
			fields, err := r.client.HGetAll(ctx, k).Result()
			if err != nil {
				return nil, err
			}
			if len(fields) == 0 {
				continue
			}
			out[child] = assembleObject(fields)
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (r *Redis) SetIfAbsent(ctx context.Context, path string, value any) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	// claim marker first: the only atomic primitive we rely on
	claimed, err := r.client.SetNX(ctx, r.key(path)+"#claim", "1", 0).Result()
	if err != nil || !claimed {
		return false, err
	}
	fields, err := marshalFields(json.RawMessage(raw))
	if err != nil {
		// claimed a scalar value: store it under a single field
		fields = map[string]json.RawMessage{"value": raw}
	}
	flat := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		flat[k] = string(v)
	}
	if err := r.client.HSet(ctx, r.key(path), flat).Err(); err != nil {
		return false, err
	}
	return true, r.publish(ctx, path)
}

func (r *Redis) publish(ctx context.Context, path string) error {
	return r.client.Publish(ctx, watchChannel, path).Err()
}

func (r *Redis) Watch(ctx context.Context, path string) (<-chan Event, error) {
	sub := r.client.Subscribe(ctx, watchChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, err
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				changed := msg.Payload
				if changed != path && !strings.HasPrefix(changed, path+"/") {
					continue
				}
				children, err := r.List(ctx, path)
				if err != nil {
					continue
				}
				select {
				case out <- Event{Path: path, Children: children}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// assembleObject rebuilds a JSON object from hash fields whose values
// are already JSON-encoded.
func assembleObject(fields map[string]string) json.RawMessage {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for k, v := range fields {
		if !first {
			b.WriteByte(',')
		}
		first = false
		key, _ := json.Marshal(k)
		b.Write(key)
		b.WriteByte(':')
		if json.Valid([]byte(v)) {
			b.WriteString(v)
		} else {
			quoted, _ := json.Marshal(v)
			b.Write(quoted)
		}
	}
	b.WriteByte('}')
	return json.RawMessage(b.String())
}
