package dispatcher

import (
    "context"
    "fmt"
    "os"
    "runtime/debug"
    "sync"
    "time"

    "github.com/google/uuid"
    "github.com/rs/zerolog/log"

    "github.com/local/pagesorter/internal/logger"
    "github.com/local/pagesorter/internal/metrics"
    "github.com/local/pagesorter/internal/queue"
    "github.com/local/pagesorter/internal/store"
)

type Queue interface {
    Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, queue.Task, bool, error)
    Reclaim(ctx context.Context, consumer string, minIdle time.Duration) (string, queue.Task, bool, error)
    Ack(ctx context.Context, msgID string) error
    EnqueueDelayed(ctx context.Context, t queue.Task, executeAt time.Time) error
    AddDLQ(ctx context.Context, t queue.Task, reason string) error
    Release(ctx context.Context, t queue.Task) error
    IsIdemDone(ctx context.Context, key string) (bool, error)
    MarkIdemDone(ctx context.Context, key string, ttl time.Duration) error
    Depths(ctx context.Context) (int64, int64, int64, error)
}

type StatusStore interface {
    Set(ctx context.Context, st store.Status, ttl time.Duration) error
    Progress(ctx context.Context, taskID string, progress int, message string) error
}

// Progress lets a handler publish intermediate state.
type Progress func(percent int, message string)

// Handler runs one task. The returned map is stored as the task result.
type Handler func(ctx context.Context, t queue.Task, progress Progress) (map[string]any, error)

type Config struct {
    Concurrency    int
    DequeueTimeout time.Duration
    // ReclaimIdle > 0 lets workers take over messages left pending that long.
    ReclaimIdle   time.Duration
    DepthInterval time.Duration
}

type Worker struct {
    cfg      Config
    q        Queue
    st       StatusStore
    handlers map[string]Handler
    consumer string
    stop     chan struct{}
    wg       sync.WaitGroup
    now      func() time.Time
}

func New(cfg Config, q Queue, st StatusStore) *Worker {
    if cfg.Concurrency <= 0 { cfg.Concurrency = 2 }
    if cfg.DequeueTimeout <= 0 { cfg.DequeueTimeout = 2 * time.Second }
    if cfg.DepthInterval <= 0 { cfg.DepthInterval = 15 * time.Second }
    host, _ := os.Hostname()
    if host == "" { host = "worker" }
    return &Worker{
        cfg:      cfg,
        q:        q,
        st:       st,
        handlers: map[string]Handler{},
        consumer: host + "-" + uuid.NewString()[:8],
        stop:     make(chan struct{}),
        now:      time.Now,
    }
}

// Handle registers h for taskType. Call before Start.
func (w *Worker) Handle(taskType string, h Handler) { w.handlers[taskType] = h }

func (w *Worker) Start() {
    for i := 0; i < w.cfg.Concurrency; i++ {
        w.wg.Add(1)
        go w.loop(i)
    }
    w.wg.Add(1)
    go w.monitor()
}

// Stop asks the loops to exit after their current task and waits for them.
func (w *Worker) Stop(ctx context.Context) error {
    close(w.stop)
    done := make(chan struct{})
    go func() { w.wg.Wait(); close(done) }()
    select {
    case <-done:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}

func (w *Worker) stopped() bool {
    select {
    case <-w.stop:
        return true
    default:
        return false
    }
}

func (w *Worker) loop(id int) {
    defer w.wg.Done()
    consumer := fmt.Sprintf("%s-%d", w.consumer, id)
    log.Info().Int("worker", id).Str("consumer", consumer).Msg("dispatcher worker started")
    for !w.stopped() {
        msgID, t, ok, err := w.next(consumer)
        if err != nil {
            log.Error().Err(err).Msg("queue dequeue error")
            time.Sleep(500 * time.Millisecond)
            continue
        }
        if !ok { continue }
        w.Process(context.Background(), msgID, t)
    }
    log.Info().Int("worker", id).Msg("dispatcher worker stopped")
}

func (w *Worker) next(consumer string) (string, queue.Task, bool, error) {
    ctx := context.Background()
    if w.cfg.ReclaimIdle > 0 {
        if msgID, t, ok, err := w.q.Reclaim(ctx, consumer, w.cfg.ReclaimIdle); err == nil && ok {
            log.Warn().Str("task_id", t.ID).Msg("reclaimed stale task")
            return msgID, t, true, nil
        }
    }
    return w.q.Dequeue(ctx, consumer, w.cfg.DequeueTimeout)
}

func (w *Worker) monitor() {
    defer w.wg.Done()
    ticker := time.NewTicker(w.cfg.DepthInterval)
    defer ticker.Stop()
    for {
        select {
        case <-w.stop:
            return
        case <-ticker.C:
            ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
            stream, delayed, dlq, err := w.q.Depths(ctx)
            cancel()
            if err != nil {
                log.Debug().Err(err).Msg("queue depths unavailable")
                continue
            }
            metrics.SetQueueDepth("stream", stream)
            metrics.SetQueueDepth("delayed", delayed)
            metrics.SetQueueDepth("dlq", dlq)
        }
    }
}

// Process runs one delivered task to a terminal state or schedules a retry.
// The message is always acknowledged.
func (w *Worker) Process(ctx context.Context, msgID string, t queue.Task) {
    lg := logger.ForTask(t.ID, t.Type, t.JobID)
    defer func() {
        if err := w.q.Ack(ctx, msgID); err != nil {
            lg.Error().Err(err).Str("msg_id", msgID).Msg("ack failed")
        }
    }()

    if done, _ := w.q.IsIdemDone(ctx, t.Run); done {
        lg.Info().Msg("duplicate delivery of finished task; skipping")
        return
    }

    start := w.now()
    _ = w.st.Set(ctx, store.Status{
        TaskID: t.ID, Type: t.Type, JobID: t.JobID,
        Status: store.StatusRunning, Progress: 0, Message: "Starting",
        Attempt: t.Attempt + 1, Start: &start,
    }, 0)
    lg.Info().Int("attempt", t.Attempt+1).Msg("task started")

    result, err := w.run(ctx, t)
    end := w.now()
    dur := end.Sub(start)
    if err == nil {
        w.finish(ctx, t, result, start, end)
        metrics.ObserveTask(t.Type, store.StatusFinished, dur)
        lg.Info().Dur("duration", dur).Msg("task finished")
        return
    }

    if !isFatalError(err) && t.CanRetry() {
        rerr := w.retry(ctx, t, err)
        if rerr == nil {
            metrics.IncRetry(t.Type)
            metrics.ObserveTask(t.Type, "retried", dur)
            lg.Warn().Err(err).Str("class", classify(err)).Dur("delay", t.RetryDelay()).Msg("task failed; retry scheduled")
            return
        }
        lg.Error().Err(rerr).Msg("scheduling retry failed")
    }
    w.fail(ctx, t, err, start, end)
    metrics.ObserveTask(t.Type, store.StatusFailed, dur)
    lg.Error().Err(err).Str("class", classify(err)).Int("attempt", t.Attempt+1).Msg("task failed")
}

func (w *Worker) run(ctx context.Context, t queue.Task) (result map[string]any, err error) {
    h, ok := w.handlers[t.Type]
    if !ok {
        return nil, &UnknownTypeError{Type: t.Type}
    }
    if t.Timeout > 0 {
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(ctx, t.Timeout)
        defer cancel()
    }
    defer func() {
        if r := recover(); r != nil {
            log.Error().Str("task_id", t.ID).Bytes("stack", debug.Stack()).Msg("task handler panicked")
            err = fmt.Errorf("task panicked: %v", r)
        }
    }()
    progress := func(pct int, msg string) {
        if pct < 0 { pct = 0 }
        if pct > 99 { pct = 99 }
        if err := w.st.Progress(context.Background(), t.ID, pct, msg); err != nil {
            log.Debug().Err(err).Str("task_id", t.ID).Msg("progress update failed")
        }
    }
    result, err = h(ctx, t, progress)
    if err != nil && isTimeoutError(err) && t.Timeout > 0 {
        err = fmt.Errorf("timed out after %s: %w", t.Timeout, err)
    }
    return result, err
}

func (w *Worker) finish(ctx context.Context, t queue.Task, result map[string]any, start, end time.Time) {
    msg := "Completed"
    if m, ok := result["message"].(string); ok && m != "" { msg = m }
    _ = w.st.Set(ctx, store.Status{
        TaskID: t.ID, Type: t.Type, JobID: t.JobID,
        Status: store.StatusFinished, Progress: 100, Message: msg,
        Attempt: t.Attempt + 1, Start: &start, End: &end, Metadata: result,
    }, t.ResultTTL)
    _ = w.q.MarkIdemDone(ctx, t.Run, t.ResultTTL)
    _ = w.q.Release(ctx, t)
}

func (w *Worker) retry(ctx context.Context, t queue.Task, cause error) error {
    delay := t.RetryDelay()
    next := t
    next.Attempt++
    if err := w.q.EnqueueDelayed(ctx, next, w.now().Add(delay)); err != nil {
        return err
    }
    _ = w.st.Set(ctx, store.Status{
        TaskID: t.ID, Type: t.Type, JobID: t.JobID,
        Status:  store.StatusQueued,
        Message: fmt.Sprintf("Retrying in %s (attempt %d of %d)", delay, next.Attempt+1, t.MaxRetries+1),
        Attempt: next.Attempt, Error: cause.Error(),
    }, 0)
    return nil
}

func (w *Worker) fail(ctx context.Context, t queue.Task, cause error, start, end time.Time) {
    _ = w.st.Set(ctx, store.Status{
        TaskID: t.ID, Type: t.Type, JobID: t.JobID,
        Status: store.StatusFailed, Progress: 100, Message: "Error: " + cause.Error(),
        Attempt: t.Attempt + 1, Error: cause.Error(), Start: &start, End: &end,
    }, t.FailureTTL)
    if err := w.q.AddDLQ(ctx, t, cause.Error()); err != nil {
        log.Error().Err(err).Str("task_id", t.ID).Msg("dlq push failed")
    }
    _ = w.q.Release(ctx, t)
}
