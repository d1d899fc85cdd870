package orchestrator

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "os"
    "strconv"
    "strings"
    "time"

    "github.com/go-playground/validator/v10"
    "github.com/rs/zerolog/log"

    "github.com/local/pagesorter/internal/assembler"
    "github.com/local/pagesorter/internal/filetype"
    "github.com/local/pagesorter/internal/jobs"
    "github.com/local/pagesorter/internal/ledger"
    "github.com/local/pagesorter/internal/queue"
    "github.com/local/pagesorter/internal/store"
    "github.com/local/pagesorter/internal/tasks"
    "github.com/local/pagesorter/internal/workflow"
)

type Queue interface {
    Enqueue(ctx context.Context, t queue.Task) (bool, error)
}

type StatusStore interface {
    Set(ctx context.Context, st store.Status, ttl time.Duration) error
    Get(ctx context.Context, taskID string) (store.Status, bool, error)
}

type Dependencies struct {
    Service  *workflow.Service
    Queue    Queue
    Status   StatusStore
    Registry *TaskRegistry
    Policy   tasks.Policy
    Sources  *SourceFetcher
    // InputsRoot receives uploads before they are copied into a job.
    InputsRoot  string
    MaxUploadMB int
    DefaultDPI  int
    // PollInterval paces websocket progress pushes.
    PollInterval time.Duration
}

type Orchestrator struct {
    deps     Dependencies
    validate *validator.Validate
}

var errQueueUnavailable = errors.New("queue unavailable")

func New(deps Dependencies) *Orchestrator {
    if deps.Registry == nil { deps.Registry = NewTaskRegistry(nil, deps.Status) }
    if deps.MaxUploadMB <= 0 { deps.MaxUploadMB = 512 }
    if deps.PollInterval <= 0 { deps.PollInterval = time.Second }
    if deps.InputsRoot == "" { deps.InputsRoot = os.TempDir() }
    return &Orchestrator{deps: deps, validate: validator.New()}
}

func (o *Orchestrator) RegisterRoutes(mux *http.ServeMux) {
    mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request){ w.WriteHeader(http.StatusOK); _,_ = w.Write([]byte("ok")) })
    mux.HandleFunc("POST /jobs", o.handleCreateJob)
    mux.HandleFunc("GET /jobs", o.handleListJobs)
    mux.HandleFunc("DELETE /jobs", o.handleDeleteAll)
    mux.HandleFunc("GET /jobs/{id}", o.handleGetJob)
    mux.HandleFunc("DELETE /jobs/{id}", o.handleDeleteJob)
    mux.HandleFunc("POST /jobs/{id}/convert", o.handleConvert)
    mux.HandleFunc("GET /jobs/{id}/batches", o.handleBatches)
    mux.HandleFunc("GET /jobs/{id}/batches/{n}", o.handleBatch)
    mux.HandleFunc("GET /jobs/{id}/thumbnails/{index}", o.handleImage(true))
    mux.HandleFunc("GET /jobs/{id}/images/{index}", o.handleImage(false))
    mux.HandleFunc("GET /jobs/{id}/selections", o.handleGetSelections)
    mux.HandleFunc("PUT /jobs/{id}/selections", o.handlePutSelections)
    mux.HandleFunc("POST /jobs/{id}/generate", o.handleGenerate)
    mux.HandleFunc("GET /jobs/{id}/output", o.handleOutput)
    mux.HandleFunc("GET /jobs/{id}/tasks", o.handleJobTasks)
    mux.HandleFunc("GET /tasks/{handle}", o.handleTask)
    mux.HandleFunc("GET /ws/tasks/{handle}", o.handleTaskSocket)
}

type createJobReq struct {
    Name      string `json:"name" validate:"max=200"`
    DPI       int    `json:"dpi" validate:"omitempty,min=36,max=600"`
    SourceURL string `json:"source_url" validate:"omitempty,url"`
}

type convertReq struct {
    DPI int `json:"dpi" validate:"omitempty,min=36,max=600"`
}

type selectionsReq struct {
    Selections ledger.EditorState `json:"selections" validate:"required,dive,keys,startswith=img_,endkeys"`
}

type batchQuery struct {
    Size int `validate:"omitempty,min=1,max=200"`
}

type taskResp struct {
    Handle  string `json:"handle"`
    Created bool   `json:"created"`
    Label   string `json:"label"`
}

// handleCreateJob accepts either a multipart upload (field "file") or a JSON
// body naming a remote source, creates the job and enqueues its conversion.
func (o *Orchestrator) handleCreateJob(w http.ResponseWriter, r *http.Request) {
    var (
        req        createJobReq
        localPath  string
        sourceName string
        err        error
    )
    if isJSON(r) {
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeError(w, badRequest("invalid json")); return
        }
        if req.SourceURL == "" { writeError(w, badRequest("source_url is required")); return }
        if err := o.validate.Struct(req); err != nil { writeError(w, badRequest(err.Error())); return }
        localPath, sourceName, err = o.deps.Sources.Fetch(r.Context(), req.SourceURL, o.deps.InputsRoot)
        if err != nil { writeError(w, badRequest(err.Error())); return }
    } else {
        r.Body = http.MaxBytesReader(w, r.Body, int64(o.deps.MaxUploadMB)<<20)
        if err := r.ParseMultipartForm(64 << 20); err != nil {
            var maxErr *http.MaxBytesError
            if errors.As(err, &maxErr) { writeError(w, err); return }
            writeError(w, badRequest("invalid multipart form")); return
        }
        req.Name = r.FormValue("name")
        if v := r.FormValue("dpi"); v != "" {
            if req.DPI, err = strconv.Atoi(v); err != nil { writeError(w, badRequest("dpi must be a number")); return }
        }
        if err := o.validate.Struct(req); err != nil { writeError(w, badRequest(err.Error())); return }
        file, hdr, ferr := r.FormFile("file")
        if ferr != nil { writeError(w, badRequest("missing file")); return }
        defer file.Close()
        sourceName = hdr.Filename
        localPath, err = SaveUpload(o.deps.InputsRoot, sourceName, file)
        if err != nil { writeError(w, err); return }
    }
    defer os.Remove(localPath)

    job, err := o.deps.Service.CreateJob(localPath, sourceName, req.Name)
    if err != nil { writeError(w, err); return }

    dpi := req.DPI
    if dpi == 0 { dpi = o.deps.DefaultDPI }
    resp := map[string]any{"job": job.Metadata}
    tr, err := o.enqueueConvert(r.Context(), job, dpi)
    if err != nil {
        // The job exists; conversion can be re-requested.
        log.Error().Err(err).Str("job_id", job.JobID).Msg("enqueue conversion failed")
        resp["error"] = err.Error()
    } else {
        resp["task"] = tr
    }
    CleanupTemps(o.deps.InputsRoot, time.Hour)
    writeJSON(w, http.StatusCreated, resp)
}

func (o *Orchestrator) enqueueConvert(ctx context.Context, job *jobs.Job, dpi int) (taskResp, error) {
    t, err := tasks.NewConvert(job, dpi, o.deps.Policy)
    if err != nil { return taskResp{}, err }
    label := fmt.Sprintf("Converting %s", job.DisplayName())
    _, purpose, _ := tasks.ParseID(t.ID)
    return o.enqueue(ctx, t, purpose, label)
}

func (o *Orchestrator) enqueue(ctx context.Context, t queue.Task, purpose, label string) (taskResp, error) {
    created, err := o.deps.Queue.Enqueue(ctx, t)
    if err != nil {
        return taskResp{}, fmt.Errorf("%w: %v", errQueueUnavailable, err)
    }
    if created {
        _ = o.deps.Status.Set(ctx, store.Status{
            TaskID: t.ID, Type: t.Type, JobID: t.JobID,
            Status: store.StatusQueued, Progress: 0, Message: "Queued",
        }, 0)
    }
    if err := o.deps.Registry.Register(ctx, t.JobID, purpose, t.ID, label); err != nil {
        log.Warn().Err(err).Str("task_id", t.ID).Msg("task registry write failed")
    }
    log.Info().Str("task_id", t.ID).Str("type", t.Type).Bool("created", created).Msg("task enqueued")
    return taskResp{Handle: t.ID, Created: created, Label: label}, nil
}

func (o *Orchestrator) handleListJobs(w http.ResponseWriter, r *http.Request) {
    list, err := o.deps.Service.ListJobs()
    if err != nil { writeError(w, err); return }
    writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (o *Orchestrator) handleGetJob(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    info, err := o.deps.Service.Jobs().Info(id)
    if err != nil { writeError(w, err); return }
    dist, err := o.deps.Service.Distribution(id)
    if err != nil { writeError(w, err); return }
    writeJSON(w, http.StatusOK, map[string]any{"job": info, "distribution": dist})
}

func (o *Orchestrator) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    if err := o.deps.Service.DeleteJob(id); err != nil { writeError(w, err); return }
    _ = o.deps.Registry.Clear(r.Context(), id)
    w.WriteHeader(http.StatusNoContent)
}

func (o *Orchestrator) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
    list, _ := o.deps.Service.Jobs().List()
    n, err := o.deps.Service.DeleteAll()
    for _, m := range list { _ = o.deps.Registry.Clear(r.Context(), m.JobID) }
    if err != nil { writeError(w, err); return }
    writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (o *Orchestrator) handleConvert(w http.ResponseWriter, r *http.Request) {
    var req convertReq
    if r.ContentLength != 0 {
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil { writeError(w, badRequest("invalid json")); return }
    }
    if err := o.validate.Struct(req); err != nil { writeError(w, badRequest(err.Error())); return }
    job, err := o.deps.Service.Jobs().Load(r.PathValue("id"))
    if err != nil { writeError(w, err); return }
    dpi := req.DPI
    if dpi == 0 { dpi = o.deps.DefaultDPI }
    tr, err := o.enqueueConvert(r.Context(), job, dpi)
    if err != nil { writeError(w, err); return }
    writeJSON(w, http.StatusAccepted, tr)
}

func (o *Orchestrator) batchSize(r *http.Request) (int, error) {
    q := batchQuery{}
    if v := r.URL.Query().Get("size"); v != "" {
        n, err := strconv.Atoi(v)
        if err != nil { return 0, badRequest("size must be a number") }
        q.Size = n
    }
    if err := o.validate.Struct(q); err != nil { return 0, badRequest(err.Error()) }
    return q.Size, nil
}

func (o *Orchestrator) handleBatches(w http.ResponseWriter, r *http.Request) {
    size, err := o.batchSize(r)
    if err != nil { writeError(w, err); return }
    list, first, err := o.deps.Service.Batches(r.PathValue("id"), size)
    if err != nil { writeError(w, err); return }
    writeJSON(w, http.StatusOK, map[string]any{"batches": list, "first_incomplete": first + 1})
}

// handleBatch serves batch n, numbered from 1.
func (o *Orchestrator) handleBatch(w http.ResponseWriter, r *http.Request) {
    size, err := o.batchSize(r)
    if err != nil { writeError(w, err); return }
    n, err := strconv.Atoi(r.PathValue("n"))
    if err != nil || n < 1 { writeError(w, badRequest("batch number must be a positive integer")); return }
    view, err := o.deps.Service.BatchImages(r.PathValue("id"), n-1, size)
    if err != nil { writeError(w, err); return }
    writeJSON(w, http.StatusOK, view)
}

func (o *Orchestrator) handleImage(thumbnail bool) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        idx, err := strconv.Atoi(r.PathValue("index"))
        if err != nil || idx < 1 { writeError(w, badRequest("index must be a positive integer")); return }
        p, err := o.deps.Service.ImagePath(r.PathValue("id"), ledger.Index(idx), thumbnail)
        if err != nil { writeError(w, err); return }
        if _, err := os.Stat(p); err != nil { writeError(w, fmt.Errorf("%w: image %d", jobs.ErrNotFound, idx)); return }
        w.Header().Set("Cache-Control", "private, max-age=300")
        http.ServeFile(w, r, p)
    }
}

func (o *Orchestrator) selectionsResponse(w http.ResponseWriter, id string, l *ledger.Ledger) {
    dist, err := o.deps.Service.Distribution(id)
    if err != nil { writeError(w, err); return }
    writeJSON(w, http.StatusOK, map[string]any{"selections": l, "distribution": dist})
}

func (o *Orchestrator) handleGetSelections(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    l, err := o.deps.Service.Selections(id)
    if err != nil { writeError(w, err); return }
    o.selectionsResponse(w, id, l)
}

func (o *Orchestrator) handlePutSelections(w http.ResponseWriter, r *http.Request) {
    var req selectionsReq
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil { writeError(w, badRequest("invalid json")); return }
    if err := o.validate.Struct(req); err != nil { writeError(w, badRequest(err.Error())); return }
    id := r.PathValue("id")
    l, err := o.deps.Service.SaveSelections(id, req.Selections)
    if err != nil { writeError(w, err); return }
    o.selectionsResponse(w, id, l)
}

// handleGenerate checks the stored ledger can be laid out and enqueues the
// assembly with a snapshot of it.
func (o *Orchestrator) handleGenerate(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    job, err := o.deps.Service.Jobs().Load(id)
    if err != nil { writeError(w, err); return }
    l, err := o.deps.Service.Selections(id)
    if err != nil { writeError(w, err); return }
    if _, err := o.deps.Service.ValidateForOutput(l); err != nil { writeError(w, err); return }
    t, err := tasks.NewGenerate(id, l, job.Paths.Output, o.deps.Policy)
    if err != nil { writeError(w, err); return }
    tr, err := o.enqueue(r.Context(), t, tasks.PurposePDF, fmt.Sprintf("Building PDF for %s", job.DisplayName()))
    if err != nil { writeError(w, err); return }
    writeJSON(w, http.StatusAccepted, tr)
}

func (o *Orchestrator) handleOutput(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    p, ok, err := o.deps.Service.OutputPath(id)
    if err != nil { writeError(w, err); return }
    if !ok { writeError(w, fmt.Errorf("%w: no output for %s", jobs.ErrNotFound, id)); return }
    w.Header().Set("Content-Type", "application/pdf")
    w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".pdf"))
    http.ServeFile(w, r, p)
}

func (o *Orchestrator) handleJobTasks(w http.ResponseWriter, r *http.Request) {
    list, err := o.deps.Registry.Pending(r.Context(), r.PathValue("id"))
    if err != nil { writeError(w, fmt.Errorf("%w: %v", errQueueUnavailable, err)); return }
    writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (o *Orchestrator) handleTask(w http.ResponseWriter, r *http.Request) {
    handle := r.PathValue("handle")
    st, ok, err := o.deps.Registry.Poll(r.Context(), handle)
    if err != nil { writeError(w, fmt.Errorf("%w: %v", errQueueUnavailable, err)); return }
    if !ok {
        _ = o.deps.Registry.Forget(r.Context(), handle)
        writeError(w, fmt.Errorf("%w: task %s", jobs.ErrNotFound, handle)); return
    }
    if st.Terminal() { _ = o.deps.Registry.Forget(r.Context(), handle) }
    writeJSON(w, http.StatusOK, st)
}

func isJSON(r *http.Request) bool {
    return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

type httpError struct {
    status int
    msg    string
}

func (e *httpError) Error() string { return e.msg }

func badRequest(msg string) error { return &httpError{status: http.StatusBadRequest, msg: msg} }

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
    var he *httpError
    var capErr *assembler.CapacityError
    var maxErr *http.MaxBytesError
    switch {
    case errors.As(err, &he):
        return he.status
    case errors.As(err, &maxErr):
        return http.StatusRequestEntityTooLarge
    case filetype.IsValidation(err):
        return http.StatusBadRequest
    case errors.Is(err, jobs.ErrDuplicateName), errors.As(err, &capErr):
        return http.StatusConflict
    case errors.Is(err, jobs.ErrNotFound), errors.Is(err, workflow.ErrBatchOutOfRange):
        return http.StatusNotFound
    case errors.Is(err, assembler.ErrNothingToOutput):
        return http.StatusUnprocessableEntity
    case errors.Is(err, errQueueUnavailable):
        return http.StatusServiceUnavailable
    default:
        return http.StatusInternalServerError
    }
}

func writeError(w http.ResponseWriter, err error) {
    status := statusFor(err)
    body := map[string]any{"error": err.Error()}
    var capErr *assembler.CapacityError
    if errors.As(err, &capErr) { body["pages"] = capErr.Pages }
    if status >= 500 { log.Error().Err(err).Int("status", status).Msg("request failed") }
    writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}
