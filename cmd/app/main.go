package main

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "path/filepath"
    "syscall"
    "time"

    "github.com/joho/godotenv"
    "github.com/jung-kurt/gofpdf"
    "github.com/rs/zerolog/log"

    cfgpkg "github.com/local/pagesorter/internal/config"
    "github.com/local/pagesorter/internal/dispatcher"
    "github.com/local/pagesorter/internal/imagerender"
    logpkg "github.com/local/pagesorter/internal/logger"
    "github.com/local/pagesorter/internal/metrics"
    "github.com/local/pagesorter/internal/orchestrator"
    "github.com/local/pagesorter/internal/queue"
    "github.com/local/pagesorter/internal/statuscheck"
    "github.com/local/pagesorter/internal/storage"
    "github.com/local/pagesorter/internal/store"
    "github.com/local/pagesorter/internal/tasks"
    "github.com/local/pagesorter/internal/workflow"
)

func main() {
    _ = godotenv.Load()
    cfg := cfgpkg.FromEnv()

    // Init logging
    logOpts := logpkg.Options{
        Level:  cfg.Logging.Level,
        Pretty: cfg.Logging.Pretty,
        Rotate: &logpkg.Rotation{
            File:       cfg.Logging.File,
            MaxSizeMB:  cfg.Logging.MaxSizeMB,
            MaxBackups: cfg.Logging.MaxBackups,
            MaxAgeDays: cfg.Logging.MaxAgeDays,
            Compress:   cfg.Logging.Compress,
        },
    }
    if cfg.Axiom.Send {
        logOpts.Axiom = &logpkg.AxiomOptions{
            Token:      cfg.Axiom.APIKey,
            OrgID:      cfg.Axiom.OrgID,
            Dataset:    cfg.Axiom.Dataset,
            FlushEvery: cfg.Axiom.FlushInterval,
        }
    }
    if err := logpkg.Init(logOpts); err != nil {
        fmt.Fprintf(os.Stderr, "logger: %v\n", err)
    }
    defer logpkg.Close()
    metrics.Init()

    // Queue
    rq, err := queue.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.PollInterval)
    if err != nil {
        log.Fatal().Err(err).Msg("failed to connect to redis")
    }
    defer rq.Close()

    // Task state and registry share the queue's connection.
    rs := store.NewRedisStatusFromClient(rq.Client())
    registry := orchestrator.NewTaskRegistry(store.NewRedisRegistry(rq.Client(), cfg.Tasks.FailureTTL), rs)

    // Optional S3 publishing
    ctx := context.Background()
    var (
        publisher workflow.Publisher
        s3c       *storage.S3Client
    )
    if cfg.Output.Bucket != "" {
        s3c, err = storage.NewS3Client(ctx, storage.Config{
            Bucket: cfg.Output.Bucket,
            Prefix: cfg.Output.Prefix,
            Region: cfg.Output.Region,
            Endpoint: cfg.Output.Endpoint,
            AccessKey: cfg.Output.AccessKey,
            SecretKey: cfg.Output.SecretKey,
        })
        if err != nil {
            log.Fatal().Err(err).Msg("failed to init s3 client")
        }
        publisher = &storage.GuardedPublisher{
            Publisher: s3c,
            Breaker: storage.NewCircuitBreaker(rq.Client(), 5*time.Second, 5*time.Minute),
            Target: "s3:" + cfg.Output.Bucket,
        }
    }

    svc := workflow.FromConfig(cfg, publisher)
    policy := tasks.PolicyFromConfig(cfg.Tasks)

    sources := &orchestrator.SourceFetcher{MaxBytes: int64(cfg.Review.MaxUploadMB) << 20}
    if s3c != nil { sources.S3 = s3c }

    orch := orchestrator.New(orchestrator.Dependencies{
        Service: svc,
        Queue: rq,
        Status: rs,
        Registry: registry,
        Policy: policy,
        Sources: sources,
        InputsRoot: cfg.Storage.InputsRoot,
        MaxUploadMB: cfg.Review.MaxUploadMB,
        DefaultDPI: cfg.Storage.DefaultDPI,
    })
    mux := http.NewServeMux()
    orch.RegisterRoutes(mux)
    mux.Handle("GET /metrics", metrics.Handler())

    checkOpts := statuscheck.Options{
        Redis: rq,
        Dirs: map[string]string{
            "jobs": cfg.Storage.JobsRoot,
            "inputs": cfg.Storage.InputsRoot,
            "outputs": cfg.Storage.OutputsRoot,
        },
        Rasterizer: imagerender.DefaultRasterizer,
        ProbePDF: writeProbe(cfg.Storage.InputsRoot),
    }
    if s3c != nil { checkOpts.Bucket = s3c }
    checker := statuscheck.New(checkOpts)
    mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
        sum := checker.Summary(r.Context())
        w.Header().Set("Content-Type", "application/json")
        if !sum.Healthy() { w.WriteHeader(http.StatusServiceUnavailable) }
        _ = json.NewEncoder(w).Encode(sum)
    })

    // Dispatcher worker (optional)
    var disp *dispatcher.Worker
    if cfg.Worker.Enabled {
        disp = dispatcher.New(dispatcher.Config{
            Concurrency: cfg.Worker.Concurrency,
            DequeueTimeout: cfg.Worker.DequeueTimeout,
            ReclaimIdle: maxTimeout(cfg.Tasks) + time.Minute,
            DepthInterval: 15 * time.Second,
        }, rq, rs)
        tasks.Register(disp, svc)
        disp.Start()
        log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("dispatcher started")
    }

    port := cfg.HTTP.Port
    srv := &http.Server{Addr: ":"+port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

    go func(){
        log.Info().Msgf("HTTP server listening on :%s", port)
        if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            log.Fatal().Err(err).Msg("http server error")
        }
    }()

    // Graceful shutdown
    stop := make(chan os.Signal, 1)
    signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
    <-stop
    sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
    defer cancel()
    _ = srv.Shutdown(sctx)
    if disp != nil {
        if err := disp.Stop(sctx); err != nil { log.Warn().Err(err).Msg("dispatcher did not stop in time") }
    }
    fmt.Println("shutdown complete")
}

// maxTimeout bounds how long a task may legitimately hold a stream message.
// Conversion time grows with pages, so allow for a large document.
func maxTimeout(c cfgpkg.TasksConfig) time.Duration {
    d := c.ConvertTimeout + 2000*c.ConvertPerPage
    if c.ArchiveTimeout > d { d = c.ArchiveTimeout }
    if c.GenerateTimeout > d { d = c.GenerateTimeout }
    return d
}

// writeProbe writes a one page document for the rasterizer health check.
func writeProbe(dir string) string {
    if err := os.MkdirAll(dir, 0o755); err != nil { return "" }
    p := filepath.Join(dir, ".probe.pdf")
    if _, err := os.Stat(p); err == nil { return p }
    pdf := gofpdf.New("P", "mm", "A4", "")
    pdf.AddPage()
    if err := pdf.OutputFileAndClose(p); err != nil {
        log.Warn().Err(err).Msg("failed to write rasterizer probe")
        return ""
    }
    return p
}
