package orchestrator

import (
    "io"
    "os"
    "path/filepath"
    "strings"
    "time"
)

const (
    tempPrefixUpload = "pagesorter-upload-"
    tempPrefixFetch  = "pagesorter-fetch-"
)

// SaveUpload streams r into a temp file under dir, keeping name's extension.
func SaveUpload(dir, name string, r io.Reader) (string, error) {
    if err := os.MkdirAll(dir, 0o755); err != nil { return "", err }
    ext := strings.ToLower(filepath.Ext(name))
    f, err := os.CreateTemp(dir, tempPrefixUpload+"*"+ext)
    if err != nil { return "", err }
    if _, err := io.Copy(f, r); err != nil {
        f.Close()
        os.Remove(f.Name())
        return "", err
    }
    if err := f.Close(); err != nil {
        os.Remove(f.Name())
        return "", err
    }
    return f.Name(), nil
}

// CleanupTemps removes upload and download leftovers in dir older than maxAge.
func CleanupTemps(dir string, maxAge time.Duration) int {
    entries, err := os.ReadDir(dir)
    if err != nil { return 0 }
    now := time.Now()
    removed := 0
    for _, e := range entries {
        name := e.Name()
        if e.IsDir() || !(strings.HasPrefix(name, tempPrefixUpload) || strings.HasPrefix(name, tempPrefixFetch)) {
            continue
        }
        info, err := e.Info()
        if err != nil { continue }
        if now.Sub(info.ModTime()) >= maxAge {
            if os.Remove(filepath.Join(dir, name)) == nil { removed++ }
        }
    }
    return removed
}
