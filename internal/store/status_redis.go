package store

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    redis "github.com/redis/go-redis/v9"
)

const (
    StatusQueued   = "queued"
    StatusRunning  = "running"
    StatusFinished = "finished"
    StatusFailed   = "failed"
)

// Status is the state of one task as polled by clients.
type Status struct {
    TaskID   string                 `json:"task_id"`
    Type     string                 `json:"type,omitempty"`
    JobID    string                 `json:"job_id,omitempty"`
    Status   string                 `json:"status"`
    Progress int                    `json:"progress"`
    Message  string                 `json:"message"`
    Attempt  int                    `json:"attempt"`
    Error    string                 `json:"error,omitempty"`
    Start    *time.Time             `json:"start_time,omitempty"`
    End      *time.Time             `json:"end_time,omitempty"`
    Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Terminal reports whether the task will not change any more.
func (s Status) Terminal() bool { return s.Status == StatusFinished || s.Status == StatusFailed }

type RedisStatus struct {
    client *redis.Client
    keyNS  string
}

func NewRedisStatus(redisURL string) (*RedisStatus, error) {
    opt, err := redis.ParseURL(redisURL)
    if err != nil { return nil, err }
    c := redis.NewClient(opt)
    if err := c.Ping(context.Background()).Err(); err != nil { return nil, err }
    return NewRedisStatusFromClient(c), nil
}

// NewRedisStatusFromClient shares an existing client.
func NewRedisStatusFromClient(c *redis.Client) *RedisStatus {
    return &RedisStatus{client: c, keyNS: "task"}
}

func (s *RedisStatus) key(taskID string) string { return fmt.Sprintf("%s:%s:status", s.keyNS, taskID) }

// Set replaces the stored status. ttl > 0 expires the record.
func (s *RedisStatus) Set(ctx context.Context, st Status, ttl time.Duration) error {
    m := map[string]interface{}{
        "task_id":  st.TaskID,
        "type":     st.Type,
        "job_id":   st.JobID,
        "status":   st.Status,
        "progress": st.Progress,
        "message":  st.Message,
        "attempt":  st.Attempt,
        "error":    st.Error,
        "start":    "",
        "end":      "",
        "metadata": "",
    }
    if st.Start != nil { m["start"] = st.Start.Format(time.RFC3339Nano) }
    if st.End != nil { m["end"] = st.End.Format(time.RFC3339Nano) }
    if st.Metadata != nil {
        b, _ := json.Marshal(st.Metadata)
        m["metadata"] = string(b)
    }
    key := s.key(st.TaskID)
    pipe := s.client.TxPipeline()
    pipe.HSet(ctx, key, m)
    if ttl > 0 {
        pipe.Expire(ctx, key, ttl)
    } else {
        pipe.Persist(ctx, key)
    }
    _, err := pipe.Exec(ctx)
    return err
}

// Progress updates only the progress fields of a running task.
func (s *RedisStatus) Progress(ctx context.Context, taskID string, progress int, message string) error {
    return s.client.HSet(ctx, s.key(taskID), map[string]interface{}{
        "progress": progress,
        "message":  message,
    }).Err()
}

func (s *RedisStatus) Get(ctx context.Context, taskID string) (Status, bool, error) {
    res, err := s.client.HGetAll(ctx, s.key(taskID)).Result()
    if err != nil { return Status{}, false, err }
    if len(res) == 0 { return Status{}, false, nil }
    st := Status{TaskID: taskID}
    if v := res["task_id"]; v != "" { st.TaskID = v }
    st.Type = res["type"]
    st.JobID = res["job_id"]
    st.Status = res["status"]
    st.Message = res["message"]
    st.Error = res["error"]
    // ignore parse errors; default 0
    fmt.Sscan(res["progress"], &st.Progress)
    fmt.Sscan(res["attempt"], &st.Attempt)
    if v := res["start"]; v != "" {
        if t, err := time.Parse(time.RFC3339Nano, v); err == nil { st.Start = &t }
    }
    if v := res["end"]; v != "" {
        if t, err := time.Parse(time.RFC3339Nano, v); err == nil { st.End = &t }
    }
    if v := res["metadata"]; v != "" {
        _ = json.Unmarshal([]byte(v), &st.Metadata)
    }
    return st, true, nil
}

func (s *RedisStatus) Delete(ctx context.Context, taskID string) error {
    return s.client.Del(ctx, s.key(taskID)).Err()
}

func (s *RedisStatus) Close() error { return s.client.Close() }

// Client returns the underlying Redis client
func (s *RedisStatus) Client() *redis.Client { return s.client }
