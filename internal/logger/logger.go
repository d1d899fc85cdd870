package logger

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "sync"
    "time"

    "github.com/axiomhq/axiom-go/axiom"
    "github.com/axiomhq/axiom-go/axiom/ingest"
    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"
    lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options defines logger initialization parameters.
type Options struct {
    Service string
    Level   string
    Pretty  bool
    // Console defaults to stdout.
    Console io.Writer
    // Rotate, when set, also writes JSON lines to a rotating file.
    Rotate *Rotation
    // Axiom, when set with a token, forwards events in batches.
    Axiom *AxiomOptions
}

// Rotation configures the lumberjack file sink.
type Rotation struct {
    File       string
    MaxSizeMB  int
    MaxBackups int
    MaxAgeDays int
    Compress   bool
}

// AxiomOptions configures event forwarding. Dataset defaults to the service
// name. Debug events are never forwarded; MinLevel defaults to info.
type AxiomOptions struct {
    Token      string
    OrgID      string
    Dataset    string
    FlushEvery time.Duration
    BatchSize  int
    MinLevel   zerolog.Level
}

var (
    global  = zerolog.Nop()
    sink    *axiomSink
    service = "pagesorter"
)

// Init sets up the global logger and replaces zerolog's log.Logger with it.
func Init(opts Options) error {
    if opts.Service != "" { service = opts.Service }
    Close()

    var writers []io.Writer
    if r := opts.Rotate; r != nil && r.File != "" {
        if err := os.MkdirAll(filepath.Dir(r.File), 0o755); err != nil {
            return fmt.Errorf("create logs dir: %w", err)
        }
        writers = append(writers, &lumberjack.Logger{
            Filename:   r.File,
            MaxSize:    r.MaxSizeMB,
            MaxBackups: r.MaxBackups,
            MaxAge:     r.MaxAgeDays,
            Compress:   r.Compress,
        })
    }

    console := opts.Console
    if console == nil { console = os.Stdout }
    if opts.Pretty {
        writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339})
    } else {
        writers = append(writers, console)
    }

    if a := opts.Axiom; a != nil && a.Token != "" {
        s, err := newAxiomSink(*a)
        if err != nil {
            fmt.Fprintf(os.Stderr, "Axiom disabled: %v\n", err)
        } else {
            sink = s
            writers = append(writers, s)
        }
    }

    zerolog.TimeFieldFormat = time.RFC3339
    lvl, err := zerolog.ParseLevel(opts.Level)
    if err != nil || opts.Level == "" { lvl = zerolog.InfoLevel }

    global = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Str("service", service).Logger()
    log.Logger = global
    return nil
}

// Close flushes and stops the Axiom sink, if any.
func Close() {
    if sink != nil {
        sink.Close()
        sink = nil
    }
}

// ForJob returns a child logger tagged with the job id.
func ForJob(jobID string) zerolog.Logger {
    return global.With().Str("job_id", jobID).Logger()
}

// ForTask returns a child logger tagged with task handle, type and job.
func ForTask(taskID, taskType, jobID string) zerolog.Logger {
    return global.With().Str("task_id", taskID).Str("task_type", taskType).Str("job_id", jobID).Logger()
}

// axiomSink is a zerolog.LevelWriter that queues events and ingests them in
// batches from its own goroutine.
type axiomSink struct {
    client    *axiom.Client
    dataset   string
    minLevel  zerolog.Level
    batchSize int
    ch        chan axiom.Event
    done      chan struct{}
    wg        sync.WaitGroup
}

func newAxiomSink(o AxiomOptions) (*axiomSink, error) {
    opts := []axiom.Option{axiom.SetToken(o.Token)}
    if o.OrgID != "" { opts = append(opts, axiom.SetOrganizationID(o.OrgID)) }
    c, err := axiom.NewClient(opts...)
    if err != nil { return nil, err }
    s := newSink(o)
    s.client = c
    s.wg.Add(1)
    go s.loop(o.FlushEvery)
    return s, nil
}

func newSink(o AxiomOptions) *axiomSink {
    if o.Dataset == "" { o.Dataset = service }
    if o.BatchSize <= 0 { o.BatchSize = 200 }
    if o.MinLevel <= zerolog.DebugLevel || o.MinLevel == zerolog.NoLevel { o.MinLevel = zerolog.InfoLevel }
    return &axiomSink{
        dataset:   o.Dataset,
        minLevel:  o.MinLevel,
        batchSize: o.BatchSize,
        ch:        make(chan axiom.Event, 5*o.BatchSize),
        done:      make(chan struct{}),
    }
}

func (s *axiomSink) Write(p []byte) (int, error) { return s.WriteLevel(zerolog.InfoLevel, p) }

// WriteLevel drops events below minLevel and never blocks: a full queue drops.
func (s *axiomSink) WriteLevel(l zerolog.Level, p []byte) (int, error) {
    if l < s.minLevel { return len(p), nil }
    ev := axiom.Event{}
    if err := json.Unmarshal(p, &ev); err != nil {
        ev = axiom.Event{"message": string(p), "level": l.String()}
    }
    if _, ok := ev["service"]; !ok { ev["service"] = service }
    if _, ok := ev[ingest.TimestampField]; !ok { ev[ingest.TimestampField] = time.Now() }
    select {
    case s.ch <- ev:
    default:
    }
    return len(p), nil
}

func (s *axiomSink) loop(flushEvery time.Duration) {
    defer s.wg.Done()
    if flushEvery <= 0 { flushEvery = 10 * time.Second }
    ticker := time.NewTicker(flushEvery)
    defer ticker.Stop()
    batch := make([]axiom.Event, 0, s.batchSize)
    flush := func() {
        if len(batch) == 0 { return }
        ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
        if _, err := s.client.IngestEvents(ctx, s.dataset, batch); err != nil {
            fmt.Fprintf(os.Stderr, "axiom ingest (%d events): %v\n", len(batch), err)
        }
        cancel()
        batch = batch[:0]
    }
    for {
        select {
        case <-s.done:
            for {
                select {
                case ev := <-s.ch:
                    batch = append(batch, ev)
                default:
                    flush()
                    return
                }
            }
        case <-ticker.C:
            flush()
        case ev := <-s.ch:
            batch = append(batch, ev)
            if len(batch) >= s.batchSize { flush() }
        }
    }
}

func (s *axiomSink) Close() {
    close(s.done)
    s.wg.Wait()
}
