package limiter

import (
    "context"
    "strings"
    "sync"
)

// Slots caps how many heavy operations of one kind run at once in this
// process.
type Slots struct {
    maxInflight map[string]int
    def         int
    mu          sync.Mutex
    sem         map[string]chan struct{}
}

type Options struct {
    // MaxInflight per kind; kinds not listed use Default.
    MaxInflight map[string]int
    Default     int
}

func New(opts Options) *Slots {
    if opts.Default <= 0 { opts.Default = 2 }
    m := map[string]int{}
    for k, v := range opts.MaxInflight { m[strings.ToLower(k)] = v }
    return &Slots{maxInflight: m, def: opts.Default, sem: map[string]chan struct{}{}}
}

func (s *Slots) slot(kind string) chan struct{} {
    key := strings.ToLower(kind)
    s.mu.Lock()
    defer s.mu.Unlock()
    ch, ok := s.sem[key]
    if !ok {
        n := s.maxInflight[key]
        if n <= 0 { n = s.def }
        ch = make(chan struct{}, n)
        s.sem[key] = ch
    }
    return ch
}

// Allow tries to reserve a slot without waiting.
// Returns a release function and true if allowed; otherwise a no-op and false.
func (s *Slots) Allow(kind string) (func(), bool) {
    ch := s.slot(kind)
    select {
    case ch <- struct{}{}:
        return func() { <-ch }, true
    default:
        return func(){}, false
    }
}

// Acquire waits for a slot until ctx is done.
func (s *Slots) Acquire(ctx context.Context, kind string) (func(), error) {
    ch := s.slot(kind)
    select {
    case ch <- struct{}{}:
        return func() { <-ch }, nil
    case <-ctx.Done():
        return nil, ctx.Err()
    }
}

// InFlight reports how many slots of kind are taken.
func (s *Slots) InFlight(kind string) int { return len(s.slot(kind)) }
