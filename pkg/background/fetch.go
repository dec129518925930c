package background

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/teslashibe/go-tryon/internal/httpc"
)

// DefaultMaxBytes bounds a single fetched asset.
const DefaultMaxBytes = 32 << 20

// Payload is the raw result of a fetch.
type Payload struct {
	Data []byte

	// Tainted is set when the bytes came from another origin that did not
	// grant read access.
	Tainted bool
}

// Fetcher retrieves raw asset bytes for a uri.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (Payload, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, uri string) (Payload, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, uri string) (Payload, error) {
	return f(ctx, uri)
}

// HTTPFetcher fetches assets over HTTP without credentials. When Origin is
// set, responses from other origins must grant it through
// Access-Control-Allow-Origin or the payload is marked tainted.
type HTTPFetcher struct {
	Client   *http.Client
	Origin   string
	MaxBytes int64
}

// NewHTTPFetcher creates a fetcher using the anonymous shared client.
func NewHTTPFetcher(origin string) *HTTPFetcher {
	return &HTTPFetcher{
		Client:   httpc.NewAnonymous(httpc.DefaultTimeout),
		Origin:   strings.TrimSuffix(origin, "/"),
		MaxBytes: DefaultMaxBytes,
	}
}

// Fetch performs a credential-free GET.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) (Payload, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	u = httpc.StripCredentials(u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	cross := f.Origin != "" && httpc.Origin(u) != f.Origin
	if cross {
		req.Header.Set("Origin", f.Origin)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Payload{}, fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if int64(len(data)) > limit {
		return Payload{}, fmt.Errorf("%w: asset larger than %d bytes", ErrNetwork, limit)
	}

	tainted := cross && !allowsOrigin(resp.Header.Get("Access-Control-Allow-Origin"), f.Origin)
	return Payload{Data: data, Tainted: tainted}, nil
}

func allowsOrigin(acao, origin string) bool {
	acao = strings.TrimSpace(acao)
	return acao == "*" || strings.EqualFold(strings.TrimSuffix(acao, "/"), origin)
}

// FileFetcher reads same-origin assets from disk. Relative paths resolve
// against Root.
type FileFetcher struct {
	Root     string
	MaxBytes int64
}

// Fetch reads the file named by a file:// uri or a plain path.
func (f *FileFetcher) Fetch(ctx context.Context, uri string) (Payload, error) {
	if err := ctx.Err(); err != nil {
		return Payload{}, err
	}
	path := strings.TrimPrefix(uri, "file://")
	if !filepath.IsAbs(path) && f.Root != "" {
		path = filepath.Join(f.Root, filepath.Clean("/"+path))
	}

	fh, err := os.Open(path)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer fh.Close()

	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(fh, limit+1))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if int64(len(data)) > limit {
		return Payload{}, fmt.Errorf("%w: asset larger than %d bytes", ErrNetwork, limit)
	}
	return Payload{Data: data}, nil
}

// MuxFetcher dispatches on the uri scheme. Uris without a scheme use the
// "file" entry.
type MuxFetcher map[string]Fetcher

// NewMuxFetcher wires HTTP(S) and file fetchers.
func NewMuxFetcher(origin, root string) MuxFetcher {
	h := NewHTTPFetcher(origin)
	return MuxFetcher{
		"http":  h,
		"https": h,
		"file":  &FileFetcher{Root: root},
	}
}

// Fetch routes uri to the fetcher registered for its scheme.
func (m MuxFetcher) Fetch(ctx context.Context, uri string) (Payload, error) {
	scheme := "file"
	if i := strings.Index(uri, "://"); i > 0 {
		scheme = strings.ToLower(uri[:i])
	}
	f, ok := m[scheme]
	if !ok {
		return Payload{}, fmt.Errorf("%w: unsupported scheme %q", ErrNetwork, scheme)
	}
	return f.Fetch(ctx, uri)
}

// MockFetcher implements Fetcher for testing.
type MockFetcher struct {
	FetchFunc func(ctx context.Context, uri string) (Payload, error)

	// Gate, if non-nil, blocks every fetch until it is closed.
	Gate chan struct{}

	mu    sync.Mutex
	calls map[string]int
}

// Fetch records the call and delegates to FetchFunc.
func (m *MockFetcher) Fetch(ctx context.Context, uri string) (Payload, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[uri]++
	gate := m.Gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Payload{}, ctx.Err()
		}
	}
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, uri)
	}
	return Payload{}, fmt.Errorf("%w: no mock response for %s", ErrNetwork, uri)
}

// Calls returns how many times uri was fetched.
func (m *MockFetcher) Calls(uri string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[uri]
}
