package store

import (
    "context"
    "encoding/json"
    "fmt"
    "sort"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// Pending links a job and purpose to a queued task handle.
type Pending struct {
    JobID        string    `json:"job_id"`
    Purpose      string    `json:"purpose"`
    Handle       string    `json:"handle"`
    Label        string    `json:"label"`
    RegisteredAt time.Time `json:"registered_at"`
}

// RedisRegistry keeps pending task records per job in a hash keyed by purpose.
type RedisRegistry struct {
    client *redis.Client
    ttl    time.Duration
}

func NewRedisRegistry(c *redis.Client, ttl time.Duration) *RedisRegistry {
    if ttl <= 0 { ttl = 24 * time.Hour }
    return &RedisRegistry{client: c, ttl: ttl}
}

func (r *RedisRegistry) key(jobID string) string { return fmt.Sprintf("job:%s:tasks", jobID) }

// Put stores p, replacing any record for the same job and purpose.
func (r *RedisRegistry) Put(ctx context.Context, p Pending) error {
    b, err := json.Marshal(p)
    if err != nil { return err }
    pipe := r.client.TxPipeline()
    pipe.HSet(ctx, r.key(p.JobID), p.Purpose, string(b))
    pipe.Expire(ctx, r.key(p.JobID), r.ttl)
    _, err = pipe.Exec(ctx)
    return err
}

// List returns the job's records oldest first.
func (r *RedisRegistry) List(ctx context.Context, jobID string) ([]Pending, error) {
    res, err := r.client.HGetAll(ctx, r.key(jobID)).Result()
    if err != nil { return nil, err }
    out := make([]Pending, 0, len(res))
    for _, v := range res {
        var p Pending
        if err := json.Unmarshal([]byte(v), &p); err != nil { continue }
        out = append(out, p)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
    return out, nil
}

// Remove drops the record holding handle.
func (r *RedisRegistry) Remove(ctx context.Context, jobID, handle string) error {
    list, err := r.List(ctx, jobID)
    if err != nil { return err }
    for _, p := range list {
        if p.Handle == handle {
            return r.client.HDel(ctx, r.key(jobID), p.Purpose).Err()
        }
    }
    return nil
}

// Clear drops every record of a job.
func (r *RedisRegistry) Clear(ctx context.Context, jobID string) error {
    return r.client.Del(ctx, r.key(jobID)).Err()
}
