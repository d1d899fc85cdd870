package queue

import (
    "context"
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/google/uuid"
    redis "github.com/redis/go-redis/v9"
)

// RedisQueue implements Redis Streams + consumer groups with a delayed ZSET mover.
type RedisQueue struct {
    client       *redis.Client
    // streams / groups
    Stream       string
    Group        string
    // keys
    DelayedKey   string
    DLQStream    string
    InflightKey  string
    IdemDoneKey  string
    // mover control
    pollInterval time.Duration
    stop         chan struct{}
}

// NewRedisQueue connects to Redis, ensures stream & group, and starts delayed mover.
func NewRedisQueue(redisURL, stream, group string, poll time.Duration) (*RedisQueue, error) {
    opt, err := redis.ParseURL(redisURL)
    if err != nil {
        return nil, fmt.Errorf("parse redis url: %w", err)
    }
    return NewRedisQueueFromClient(redis.NewClient(opt), stream, group, poll)
}

// NewRedisQueueFromClient uses an existing client. The queue owns it afterwards.
func NewRedisQueueFromClient(c *redis.Client, stream, group string, poll time.Duration) (*RedisQueue, error) {
    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    if err := c.Ping(ctx).Err(); err != nil {
        return nil, fmt.Errorf("redis ping: %w", err)
    }
    q := &RedisQueue{
        client:       c,
        Stream:       stream,
        Group:        group,
        DelayedKey:   stream + ":delayed",
        DLQStream:    stream + ":dlq",
        InflightKey:  "inflight:",
        IdemDoneKey:  "idem:done:",
        pollInterval: poll,
        stop:         make(chan struct{}),
    }
    // Ensure consumer group exists (MKSTREAM creates stream if missing)
    if err := c.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil && !isBusyGroupErr(err) {
        return nil, fmt.Errorf("xgroup create: %w", err)
    }
    go q.mover()
    return q, nil
}

func isBusyGroupErr(err error) bool {
    if err == nil { return false }
    return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func (q *RedisQueue) Close() error {
    close(q.stop)
    return q.client.Close()
}

// Client returns the underlying Redis client.
func (q *RedisQueue) Client() *redis.Client { return q.client }

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Enqueue adds t to the stream unless a task with the same ID is still in
// flight. It returns false when the existing task was kept.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) (bool, error) {
    t.Run = uuid.NewString()
    t.Attempt = 0
    if t.EnqueuedAt.IsZero() { t.EnqueuedAt = time.Now().UTC() }
    ok, err := q.client.SetNX(ctx, q.InflightKey+t.ID, t.Run, t.Lease()).Result()
    if err != nil {
        return false, fmt.Errorf("reserve task %s: %w", t.ID, err)
    }
    if !ok { return false, nil }
    if err := q.add(ctx, t); err != nil {
        q.client.Del(ctx, q.InflightKey+t.ID)
        return false, err
    }
    return true, nil
}

func (q *RedisQueue) add(ctx context.Context, t Task) error {
    data, err := t.marshal()
    if err != nil { return err }
    if err := q.client.XAdd(ctx, &redis.XAddArgs{
        Stream: q.Stream,
        Values: map[string]any{"data": string(data)},
    }).Err(); err != nil {
        return fmt.Errorf("xadd %s: %w", t.ID, err)
    }
    return nil
}

// InFlight reports whether a task with id is queued, running or waiting to retry.
func (q *RedisQueue) InFlight(ctx context.Context, id string) (bool, error) {
    n, err := q.client.Exists(ctx, q.InflightKey+id).Result()
    return n == 1, err
}

// Release clears the in-flight marker once a task is terminal.
func (q *RedisQueue) Release(ctx context.Context, t Task) error {
    // Only the run that owns the marker may clear it.
    cur, err := q.client.Get(ctx, q.InflightKey+t.ID).Result()
    if err == redis.Nil { return nil }
    if err != nil { return err }
    if cur != t.Run { return nil }
    return q.client.Del(ctx, q.InflightKey+t.ID).Err()
}

// EnqueueDelayed schedules t for later execution via ZSET.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, t Task, executeAt time.Time) error {
    data, err := t.marshal()
    if err != nil { return err }
    return q.client.ZAdd(ctx, q.DelayedKey, redis.Z{Score: float64(executeAt.Unix()), Member: string(data)}).Err()
}

// Dequeue reads one message from the consumer group. It returns ok=false
// when nothing arrived before timeout. Undecodable entries are moved to the
// DLQ and acknowledged.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, Task, bool, error) {
    res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
        Group:    q.Group,
        Consumer: consumer,
        Streams:  []string{q.Stream, ">"},
        Count:    1,
        Block:    timeout,
        NoAck:    false,
    }).Result()
    if err != nil {
        if errors.Is(err, redis.Nil) { return "", Task{}, false, nil }
        return "", Task{}, false, err
    }
    if len(res) == 0 || len(res[0].Messages) == 0 { return "", Task{}, false, nil }
    return q.decode(ctx, res[0].Messages[0])
}

// Reclaim takes over one message another consumer left pending for longer
// than minIdle, e.g. after a crash.
func (q *RedisQueue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration) (string, Task, bool, error) {
    msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
        Stream:   q.Stream,
        Group:    q.Group,
        Consumer: consumer,
        MinIdle:  minIdle,
        Start:    "0-0",
        Count:    1,
    }).Result()
    if err != nil {
        if errors.Is(err, redis.Nil) { return "", Task{}, false, nil }
        return "", Task{}, false, err
    }
    if len(msgs) == 0 { return "", Task{}, false, nil }
    return q.decode(ctx, msgs[0])
}

func (q *RedisQueue) decode(ctx context.Context, msg redis.XMessage) (string, Task, bool, error) {
    var data string
    switch v := msg.Values["data"].(type) {
    case string:
        data = v
    case []byte:
        data = string(v)
    }
    t, err := unmarshalTask([]byte(data))
    if err != nil {
        _ = q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.DLQStream, Values: map[string]any{"data": data, "reason": err.Error()}}).Err()
        _ = q.Ack(ctx, msg.ID)
        return "", Task{}, false, err
    }
    return msg.ID, t, true, nil
}

// Ack marks a message as processed.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
    if msgID == "" { return nil }
    return q.client.XAck(ctx, q.Stream, q.Group, msgID).Err()
}

// AddDLQ pushes a failed task to DLQ stream with reason.
func (q *RedisQueue) AddDLQ(ctx context.Context, t Task, reason string) error {
    data, err := t.marshal()
    if err != nil { return err }
    return q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.DLQStream, Values: map[string]any{"data": string(data), "reason": reason, "task_id": t.ID}}).Err()
}

// IsIdemDone returns true if idempotency key already marked done.
func (q *RedisQueue) IsIdemDone(ctx context.Context, key string) (bool, error) {
    if key == "" { return false, nil }
    exists, err := q.client.Exists(ctx, q.IdemDoneKey+key).Result()
    return exists == 1, err
}

// MarkIdemDone marks idempotency key as done with TTL.
func (q *RedisQueue) MarkIdemDone(ctx context.Context, key string, ttl time.Duration) error {
    if key == "" { return nil }
    if ttl <= 0 { ttl = time.Hour }
    return q.client.Set(ctx, q.IdemDoneKey+key, 1, ttl).Err()
}

// mover periodically moves due delayed tasks from ZSET into the stream.
func (q *RedisQueue) mover() {
    if q.pollInterval <= 0 { q.pollInterval = 200 * time.Millisecond }
    ticker := time.NewTicker(q.pollInterval)
    defer ticker.Stop()
    for {
        select {
        case <-q.stop:
            return
        case <-ticker.C:
            q.moveOnce()
        }
    }
}

func (q *RedisQueue) moveOnce() {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    now := time.Now().Unix()
    vals, err := q.client.ZRangeByScoreWithScores(ctx, q.DelayedKey, &redis.ZRangeBy{
        Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: 100,
    }).Result()
    if err != nil || len(vals) == 0 { return }
    for _, z := range vals {
        s, _ := z.Member.(string)
        // ZREM first so two movers never both push the same entry.
        n, err := q.client.ZRem(ctx, q.DelayedKey, s).Result()
        if err != nil || n == 0 { continue }
        q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.Stream, Values: map[string]any{"data": s}})
    }
}

// Depths returns approximate stream/deferred/dlq lengths for metrics.
func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, int64, error) {
    pipe := q.client.Pipeline()
    xlen := pipe.XLen(ctx, q.Stream)
    zcard := pipe.ZCard(ctx, q.DelayedKey)
    dxlen := pipe.XLen(ctx, q.DLQStream)
    _, err := pipe.Exec(ctx)
    if err != nil { return 0, 0, 0, err }
    return xlen.Val(), zcard.Val(), dxlen.Val(), nil
}
