package config

import (
    "os"
    "strconv"
    "strings"
    "time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
    Level        string
    Pretty       bool
    File         string
    MaxSizeMB    int
    MaxBackups   int
    MaxAgeDays   int
    Compress     bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
    Send          bool
    APIKey        string
    OrgID         string
    Dataset       string
    FlushInterval time.Duration
}

// StorageConfig locates job directories and rendered artifacts on disk.
type StorageConfig struct {
    JobsRoot         string
    InputsRoot       string
    OutputsRoot      string
    RasterFormat     string // "png"|"jpeg"
    JPEGQuality      int
    ThumbnailMaxSize int
    DefaultDPI       int // 0 = adaptive
}

// ReviewConfig defines batching for the assignment workflow.
type ReviewConfig struct {
    BatchSize     int
    ListBatchSize int
    MaxUploadMB   int
}

// TasksConfig defines enqueue options for background tasks.
type TasksConfig struct {
    ConvertTimeout     time.Duration
    ConvertPerPage     time.Duration
    ArchiveTimeout     time.Duration
    GenerateTimeout    time.Duration
    MaxRetries         int
    RetryIntervals     []time.Duration
    ResultTTL          time.Duration
    FailureTTL         time.Duration
}

// WorkerConfig defines worker behavior and limits.
type WorkerConfig struct {
    Enabled        bool
    Concurrency    int
    DequeueTimeout time.Duration
    // Per-process caps on memory heavy work.
    RasterSlots    int
    AssembleSlots  int
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
    RedisURL     string
    Stream       string
    Group        string
    PollInterval time.Duration
}

// OutputConfig defines optional publishing of assembled documents to S3.
type OutputConfig struct {
    Bucket    string
    Prefix    string
    Region    string
    Endpoint  string
    AccessKey string
    SecretKey string
}

// HTTPConfig defines the API listener.
type HTTPConfig struct {
    Port            string
    ShutdownTimeout time.Duration
}

// Config is the top-level configuration.
type Config struct {
    Logging LoggingConfig
    Axiom   AxiomConfig
    Storage StorageConfig
    Review  ReviewConfig
    Tasks   TasksConfig
    Worker  WorkerConfig
    Queue   QueueConfig
    Output  OutputConfig
    HTTP    HTTPConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
    cfg := Config{}

    // Logging defaults
    cfg.Logging = LoggingConfig{
        Level:      getEnv("LOG_LEVEL", "info"),
        Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
        File:       getEnv("LOG_FILE", "logs/pagesorter.log"),
        MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
        MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
        MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
        Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
    }

    // Axiom defaults
    baseDataset := getEnv("AXIOM_DATASET", "dev")
    cfg.Axiom = AxiomConfig{
        Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
        APIKey:        getEnv("AXIOM_API_KEY", ""),
        OrgID:         getEnv("AXIOM_ORG_ID", ""),
        Dataset:       baseDataset + "_pagesorter",
        FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
    }

    cfg.Storage = StorageConfig{
        JobsRoot:         getEnv("JOBS_ROOT", "printer_processes"),
        InputsRoot:       getEnv("INPUTS_ROOT", "printer_inputs"),
        OutputsRoot:      getEnv("OUTPUTS_ROOT", "printer_outputs"),
        RasterFormat:     strings.ToLower(getEnv("RASTER_FORMAT", "png")),
        JPEGQuality:      parseInt(getEnv("JPEG_QUALITY", "90"), 90),
        ThumbnailMaxSize: parseInt(getEnv("THUMBNAIL_MAX_SIZE", "800"), 800),
        DefaultDPI:       parseInt(getEnv("DEFAULT_DPI", "0"), 0),
    }
    if cfg.Storage.RasterFormat != "jpeg" { cfg.Storage.RasterFormat = "png" }

    cfg.Review = ReviewConfig{
        BatchSize:     parseInt(getEnv("REVIEW_BATCH_SIZE", "4"), 4),
        ListBatchSize: parseInt(getEnv("LIST_BATCH_SIZE", "20"), 20),
        MaxUploadMB:   parseInt(getEnv("MAX_UPLOAD_MB", "512"), 512),
    }

    cfg.Tasks = TasksConfig{
        ConvertTimeout:  parseDuration(getEnv("CONVERT_TIMEOUT", "10m"), 10*time.Minute),
        ConvertPerPage:  parseDuration(getEnv("CONVERT_TIMEOUT_PER_PAGE", "3s"), 3*time.Second),
        ArchiveTimeout:  parseDuration(getEnv("ARCHIVE_TIMEOUT", "60m"), 60*time.Minute),
        GenerateTimeout: parseDuration(getEnv("GENERATE_TIMEOUT", "30m"), 30*time.Minute),
        MaxRetries:      parseInt(getEnv("TASK_MAX_RETRIES", "3"), 3),
        RetryIntervals:  parseDurations(getEnv("TASK_RETRY_INTERVALS", "10s,30s,60s"), []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}),
        ResultTTL:       parseDuration(getEnv("TASK_RESULT_TTL", "10m"), 10*time.Minute),
        FailureTTL:      parseDuration(getEnv("TASK_FAILURE_TTL", "24h"), 24*time.Hour),
    }

    // Worker defaults
    run := strings.ToLower(getEnv("RUN_DISPATCHER", "1"))
    cfg.Worker = WorkerConfig{
        Enabled:        run == "1" || run == "true",
        Concurrency:    parseInt(getEnv("WORKER_CONCURRENCY", "2"), 2),
        DequeueTimeout: parseDuration(getEnv("DEQUEUE_TIMEOUT", "2s"), 2*time.Second),
        RasterSlots:    parseInt(getEnv("RASTER_MAX_INFLIGHT", "1"), 1),
        AssembleSlots:  parseInt(getEnv("ASSEMBLE_MAX_INFLIGHT", "2"), 2),
    }

    // Queue defaults
    cfg.Queue = QueueConfig{
        RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
        Stream:       getEnv("QUEUE_STREAM", "tasks:pagesorter"),
        Group:        getEnv("QUEUE_GROUP", "workers:pagesorter"),
        PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "200ms"), 200*time.Millisecond),
    }

    cfg.Output = OutputConfig{
        Bucket:    getEnv("OUTPUT_S3_BUCKET", ""),
        Prefix:    getEnv("OUTPUT_S3_PREFIX", "outputs/"),
        Region:    getEnv("AWS_REGION", "eu-central-1"),
        Endpoint:  getEnv("OUTPUT_S3_ENDPOINT", ""),
        AccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
        SecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
    }

    cfg.HTTP = HTTPConfig{
        Port:            getEnv("PORT", "8080"),
        ShutdownTimeout: parseDuration(getEnv("SHUTDOWN_TIMEOUT", "10s"), 10*time.Second),
    }

    return cfg
}

// Helpers
func getEnv(key, def string) string {
    if v := os.Getenv(key); v != "" {
        return v
    }
    return def
}

func parseInt(s string, def int) int {
    if s == "" { return def }
    if n, err := strconv.Atoi(s); err == nil { return n }
    return def
}

func parseBool(s string) bool {
    v := strings.ToLower(strings.TrimSpace(s))
    return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
    if s == "" { return def }
    if d, err := time.ParseDuration(s); err == nil { return d }
    return def
}

// parseDurations reads a comma separated list; any bad entry falls back to def.
func parseDurations(s string, def []time.Duration) []time.Duration {
    if strings.TrimSpace(s) == "" { return def }
    parts := strings.Split(s, ",")
    out := make([]time.Duration, 0, len(parts))
    for _, p := range parts {
        d, err := time.ParseDuration(strings.TrimSpace(p))
        if err != nil || d < 0 { return def }
        out = append(out, d)
    }
    return out
}

func devDefaultPretty() string {
    env := strings.ToLower(os.Getenv("ENVIRONMENT"))
    if env == "dev" || env == "development" || env == "local" { return "true" }
    return "false"
}
