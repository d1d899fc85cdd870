package orchestrator

import (
    "context"
    "net/http"
    "time"

    "github.com/gorilla/websocket"
    "github.com/rs/zerolog/log"

    "github.com/local/pagesorter/internal/store"
)

var upgrader = websocket.Upgrader{
    ReadBufferSize:  1024,
    WriteBufferSize: 1024,
    CheckOrigin:     func(r *http.Request) bool { return true },
}

type taskUpdate struct {
    Type   string        `json:"type"`
    Handle string        `json:"handle"`
    State  *store.Status `json:"state,omitempty"`
    Error  string        `json:"error,omitempty"`
}

// handleTaskSocket pushes task state changes until the task is terminal,
// its state expires or the client goes away.
func (o *Orchestrator) handleTaskSocket(w http.ResponseWriter, r *http.Request) {
    handle := r.PathValue("handle")
    conn, err := upgrader.Upgrade(w, r, nil)
    if err != nil {
        log.Warn().Err(err).Str("task_id", handle).Msg("websocket upgrade failed")
        return
    }
    defer conn.Close()

    ctx, cancel := context.WithCancel(r.Context())
    defer cancel()
    // Reader detects the client closing.
    go func() {
        defer cancel()
        for {
            if _, _, err := conn.ReadMessage(); err != nil { return }
        }
    }()

    o.monitorTask(ctx, handle, func(u taskUpdate) error {
        _ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
        return conn.WriteJSON(u)
    })
    _ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// monitorTask polls the task state and calls send whenever it changes.
func (o *Orchestrator) monitorTask(ctx context.Context, handle string, send func(taskUpdate) error) {
    ticker := time.NewTicker(o.deps.PollInterval)
    defer ticker.Stop()

    var last *store.Status
    for {
        st, ok, err := o.deps.Registry.Poll(ctx, handle)
        switch {
        case err != nil:
            log.Warn().Err(err).Str("task_id", handle).Msg("failed to get task status in monitor")
        case !ok:
            _ = send(taskUpdate{Type: "task_missing", Handle: handle, Error: "task not found or expired"})
            _ = o.deps.Registry.Forget(context.Background(), handle)
            return
        case last == nil || changed(*last, st):
            s := st
            if err := send(taskUpdate{Type: "task_update", Handle: handle, State: &s}); err != nil { return }
            last = &s
            if st.Terminal() {
                _ = o.deps.Registry.Forget(context.Background(), handle)
                log.Debug().Str("task_id", handle).Str("status", st.Status).Msg("task monitor finished")
                return
            }
        }
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
        }
    }
}

func changed(a, b store.Status) bool {
    return a.Status != b.Status || a.Progress != b.Progress || a.Message != b.Message || a.Attempt != b.Attempt
}
