package statuscheck

import (
    "context"
    "errors"
    "os"
    "path/filepath"
    "time"
)

// RedisPinger models the minimal Redis capability we need for status checks.
type RedisPinger interface {
    Ping(ctx context.Context) error
}

// BucketChecker reports whether the output bucket is reachable.
type BucketChecker interface {
    HeadBucket(ctx context.Context) error
}

// PageCounter opens a PDF; used to prove the rasterizer is usable.
type PageCounter interface {
    PageCount(path string) (int, error)
}

// Checker aggregates health checks for the services the page sorter uses.
type Checker struct {
    redis      RedisPinger
    bucket     BucketChecker
    dirs       map[string]string
    rasterizer PageCounter
    probePDF   string
}

// Options configures the Checker.
type Options struct {
    Redis  RedisPinger
    Bucket BucketChecker // nil when publishing is disabled
    // Dirs maps a label to a directory that must be writable.
    Dirs       map[string]string
    Rasterizer PageCounter
    // ProbePDF is a small document the rasterizer must be able to open.
    ProbePDF string
}

// Status represents the readiness of a subsystem.
type Status struct {
    OK      bool   `json:"ok"`
    Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
    Redis      Status            `json:"redis"`
    S3         Status            `json:"s3"`
    Storage    map[string]Status `json:"storage"`
    Rasterizer Status            `json:"rasterizer"`
}

// Healthy reports whether everything required is up. S3 is optional.
func (s Summary) Healthy() bool {
    if !s.Redis.OK || !s.Rasterizer.OK { return false }
    for _, st := range s.Storage {
        if !st.OK { return false }
    }
    return true
}

func New(opts Options) *Checker {
    return &Checker{
        redis:      opts.Redis,
        bucket:     opts.Bucket,
        dirs:       opts.Dirs,
        rasterizer: opts.Rasterizer,
        probePDF:   opts.ProbePDF,
    }
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
    storage := make(map[string]Status, len(c.dirs))
    for label, dir := range c.dirs {
        storage[label] = checkDir(dir)
    }
    return Summary{
        Redis:      c.checkRedis(ctx),
        S3:         c.checkS3(ctx),
        Storage:    storage,
        Rasterizer: c.checkRasterizer(),
    }
}

func (c *Checker) checkRedis(ctx context.Context) Status {
    if c.redis == nil {
        return Status{OK: false, Message: "client unavailable"}
    }
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    if err := c.redis.Ping(ctx); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkS3(ctx context.Context) Status {
    if c.bucket == nil {
        return Status{OK: false, Message: "Bucket not configured"}
    }
    ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    if err := c.bucket.HeadBucket(ctx); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Connected"}
}

func checkDir(dir string) Status {
    if err := os.MkdirAll(dir, 0o755); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    f, err := os.CreateTemp(dir, ".probe-*")
    if err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    f.Close()
    os.Remove(f.Name())
    return Status{OK: true, Message: "Writable"}
}

func (c *Checker) checkRasterizer() Status {
    if c.rasterizer == nil {
        return Status{OK: false, Message: "not configured"}
    }
    if c.probePDF == "" {
        return Status{OK: true, Message: "Available"}
    }
    n, err := c.rasterizer.PageCount(filepath.Clean(c.probePDF))
    if err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    if n < 1 {
        return Status{OK: false, Message: "probe document has no pages"}
    }
    return Status{OK: true, Message: "Available"}
}

func trimError(err error) string {
    if err == nil {
        return ""
    }
    var netErr interface{ Timeout() bool }
    if errors.As(err, &netErr) && netErr.Timeout() {
        return "timeout"
    }
    msg := err.Error()
    if len(msg) > 120 {
        return msg[:120]
    }
    return msg
}
