package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/HMasataka/telecare/payload/signal"
	"github.com/HMasataka/telecare/pkg/retry"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// RedisChannelOptions configures the redis-backed document store.
type RedisChannelOptions struct {
	Addr     string
	Password string
	DB       int
	Retry    retry.Config
}

// DefaultRedisChannelOptions returns sensible defaults for a local redis.
func DefaultRedisChannelOptions() RedisChannelOptions {
	return RedisChannelOptions{
		Addr:  "localhost:6379",
		Retry: retry.DefaultConfig(),
	}
}

// RedisChannel stores each call as a hash plus append-only candidate lists,
// and uses pub/sub for change delivery. Subscribers only observe writes made
// while they are attached, which matches the channel contract.
type RedisChannel struct {
	client  *redis.Client
	options RedisChannelOptions
}

var _ Channel = (*RedisChannel)(nil)

func NewRedisChannel(ctx context.Context, options RedisChannelOptions) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     options.Addr,
		Password: options.Password,
		DB:       options.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisChannel{client: client, options: options}, nil
}

func callKey(callID string) string           { return "call:" + callID }
func listKey(callID, field string) string    { return "call:" + callID + ":" + field }
func pubsubKey(callID, field string) string  { return "call:" + callID + ":" + field + ":events" }
func incomingKey(userID string) string       { return "incoming:" + userID }
func incomingPubsubKey(userID string) string { return "incoming:" + userID + ":events" }

func (r *RedisChannel) Write(ctx context.Context, callID, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return retry.Run(r.options.Retry, func() error {
		if err := r.client.HSet(ctx, callKey(callID), field, raw).Err(); err != nil {
			return fmt.Errorf("failed to write %s: %w", field, err)
		}
		return r.client.Publish(ctx, pubsubKey(callID, field), raw).Err()
	})
}

func (r *RedisChannel) ReadOnce(ctx context.Context, callID, field string, out any) error {
	raw, err := r.client.HGet(ctx, callKey(callID), field).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", field, err)
	}
	return json.Unmarshal(raw, out)
}

func (r *RedisChannel) Subscribe(ctx context.Context, callID, field string, fn func(raw []byte)) (Unsubscribe, error) {
	return r.pubsub(ctx, pubsubKey(callID, field), func(payload string) {
		fn([]byte(payload))
	})
}

func (r *RedisChannel) AppendCandidate(ctx context.Context, callID, field string, c signal.Candidate) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}

	return retry.Run(r.options.Retry, func() error {
		if err := r.client.RPush(ctx, listKey(callID, field), raw).Err(); err != nil {
			return fmt.Errorf("failed to append candidate: %w", err)
		}
		return r.client.Publish(ctx, pubsubKey(callID, field), raw).Err()
	})
}

func (r *RedisChannel) Candidates(ctx context.Context, callID, field string) ([]signal.Candidate, error) {
	entries, err := r.client.LRange(ctx, listKey(callID, field), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	candidates := make([]signal.Candidate, 0, len(entries))
	for _, entry := range entries {
		var c signal.Candidate
		if err := json.Unmarshal([]byte(entry), &c); err != nil {
			slog.Warn("skipping malformed candidate entry", "error", err, slog.String("call_id", callID))
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func (r *RedisChannel) SubscribeCandidates(ctx context.Context, callID, field string, fn func(signal.Candidate)) (Unsubscribe, error) {
	unsub, err := r.pubsub(ctx, pubsubKey(callID, field), func(payload string) {
		var c signal.Candidate
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			slog.Warn("skipping malformed candidate event", "error", err, slog.String("call_id", callID))
			return
		}
		fn(c)
	})
	if err != nil {
		return nil, err
	}

	// Replay the list after attaching so no append is missed; duplicates are
	// possible and harmless under at-least-once delivery.
	existing, err := r.Candidates(ctx, callID, field)
	if err != nil {
		unsub()
		return nil, err
	}
	go func() {
		for _, c := range existing {
			fn(c)
		}
	}()

	return unsub, nil
}

func (r *RedisChannel) Announce(ctx context.Context, rec signal.CallRecord) error {
	if err := r.Write(ctx, rec.CallID, signal.FieldMeta, rec); err != nil {
		return err
	}
	if err := r.Write(ctx, rec.CallID, signal.FieldStatus, rec.Status); err != nil {
		return err
	}

	if err := r.client.SAdd(ctx, incomingKey(rec.CalleeID), rec.CallID).Err(); err != nil {
		return fmt.Errorf("failed to index incoming call: %w", err)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, incomingPubsubKey(rec.CalleeID), raw).Err()
}

func (r *RedisChannel) IncomingCalls(ctx context.Context, userID string) ([]signal.CallRecord, error) {
	callIDs, err := r.client.SMembers(ctx, incomingKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list incoming calls: %w", err)
	}

	records := make([]signal.CallRecord, 0, len(callIDs))
	for _, id := range callIDs {
		var rec signal.CallRecord
		if err := r.ReadOnce(ctx, id, signal.FieldMeta, &rec); err != nil {
			continue
		}
		var status signal.Status
		if err := r.ReadOnce(ctx, id, signal.FieldStatus, &status); err == nil {
			rec.Status = status
		}
		records = append(records, rec)
	}

	return lo.Filter(records, func(rec signal.CallRecord, _ int) bool {
		return rec.Status == signal.StatusPending
	}), nil
}

func (r *RedisChannel) SubscribeIncoming(ctx context.Context, userID string, fn func(signal.CallRecord)) (Unsubscribe, error) {
	return r.pubsub(ctx, incomingPubsubKey(userID), func(payload string) {
		var rec signal.CallRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			slog.Warn("skipping malformed incoming call event", "error", err)
			return
		}
		fn(rec)
	})
}

func (r *RedisChannel) Delete(ctx context.Context, callID string) error {
	var rec signal.CallRecord
	if err := r.ReadOnce(ctx, callID, signal.FieldMeta, &rec); err == nil {
		if err := r.client.SRem(ctx, incomingKey(rec.CalleeID), callID).Err(); err != nil {
			slog.Warn("failed to unindex incoming call", "error", err, slog.String("call_id", callID))
		}
	}

	keys := []string{
		callKey(callID),
		listKey(callID, signal.FieldCallerCandidates),
		listKey(callID, signal.FieldCalleeCandidates),
	}
	return r.client.Del(ctx, keys...).Err()
}

// Close closes the underlying redis client.
func (r *RedisChannel) Close() error {
	return r.client.Close()
}

// pubsub attaches a redis subscription and pumps payloads until unsubscribed.
func (r *RedisChannel) pubsub(ctx context.Context, channel string, fn func(payload string)) (Unsubscribe, error) {
	ps := r.client.Subscribe(ctx, channel)

	// Force the subscription to be established before returning so writes
	// made after Subscribe returns are guaranteed to be observed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	go func() {
		for msg := range ps.Channel() {
			fn(msg.Payload)
		}
	}()

	return func() {
		if err := ps.Close(); err != nil {
			slog.Warn("failed to close redis subscription", "error", err, slog.String("channel", channel))
		}
	}, nil
}
