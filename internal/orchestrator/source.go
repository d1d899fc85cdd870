package orchestrator

import (
    "context"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "os"
    "path"
    "strings"

    "github.com/rs/zerolog/log"
)

// Downloader fetches an s3://bucket/key object to a local file.
type Downloader interface {
    DownloadFile(ctx context.Context, s3url, filePath string) error
}

// SourceFetcher resolves a remote job source to a local temp file.
// Supported:
// - http(s):// URLs
// - s3://bucket/key when an S3 downloader is configured
type SourceFetcher struct {
    S3       Downloader
    Client   *http.Client
    MaxBytes int64
}

var errUnsupportedSource = errors.New("unsupported source url")

// Fetch downloads ref into dir and returns the local path and the source's
// file name. The caller removes the file.
func (f *SourceFetcher) Fetch(ctx context.Context, ref, dir string) (string, string, error) {
    if f == nil { return "", "", errUnsupportedSource }
    if i := strings.Index(ref, "#"); i >= 0 { ref = ref[:i] }
    if err := os.MkdirAll(dir, 0o755); err != nil { return "", "", err }

    name := sourceName(ref)
    switch {
    case strings.HasPrefix(ref, "s3://"):
        if f.S3 == nil { return "", "", fmt.Errorf("%w: s3 storage is not configured", errUnsupportedSource) }
        tmp, err := os.CreateTemp(dir, tempPrefixFetch+"*")
        if err != nil { return "", "", err }
        tmp.Close()
        if err := f.S3.DownloadFile(ctx, ref, tmp.Name()); err != nil {
            os.Remove(tmp.Name())
            return "", "", err
        }
        log.Info().Str("source", ref).Msg("downloaded s3 source")
        return tmp.Name(), name, nil
    case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
        p, err := f.downloadHTTP(ctx, ref, dir)
        if err != nil { return "", "", err }
        return p, name, nil
    default:
        return "", "", fmt.Errorf("%w: %s", errUnsupportedSource, ref)
    }
}

func (f *SourceFetcher) downloadHTTP(ctx context.Context, ref, dir string) (string, error) {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
    if err != nil { return "", err }
    client := f.Client
    if client == nil { client = http.DefaultClient }
    resp, err := client.Do(req)
    if err != nil { return "", err }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK { return "", fmt.Errorf("download %s: http %d", ref, resp.StatusCode) }

    tmp, err := os.CreateTemp(dir, tempPrefixFetch+"*")
    if err != nil { return "", err }
    defer tmp.Close()
    var body io.Reader = resp.Body
    if f.MaxBytes > 0 { body = io.LimitReader(resp.Body, f.MaxBytes+1) }
    n, err := io.Copy(tmp, body)
    if err == nil && f.MaxBytes > 0 && n > f.MaxBytes {
        err = fmt.Errorf("download %s: larger than %d bytes", ref, f.MaxBytes)
    }
    if err != nil {
        os.Remove(tmp.Name())
        return "", err
    }
    return tmp.Name(), nil
}

// sourceName is the last path element of ref, unescaped.
func sourceName(ref string) string {
    u, err := url.Parse(ref)
    if err != nil { return "" }
    base := path.Base(u.Path)
    if base == "." || base == "/" { return "" }
    return base
}
