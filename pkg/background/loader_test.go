package background

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func pngBytes(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func wait(t *testing.T, a *Asset) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("asset %s did not resolve", a.URI)
	}
}

func TestLoader_LoadTwiceDecodesOnce(t *testing.T) {
	data := pngBytes(t, 4, 4, color.RGBA{10, 20, 30, 255})
	f := &MockFetcher{
		Gate: make(chan struct{}),
		FetchFunc: func(context.Context, string) (Payload, error) {
			return Payload{Data: data}, nil
		},
	}
	ld := NewLoader(f)

	a1 := ld.Load(context.Background(), "studio.png")
	a2 := ld.Load(context.Background(), "studio.png")
	if a1 != a2 {
		t.Fatal("second load of an in-flight uri should return the same asset")
	}
	if a1.State() != StateLoading {
		t.Errorf("state = %v, want loading", a1.State())
	}

	close(f.Gate)
	wait(t, a1)

	a3 := ld.Load(context.Background(), "studio.png")
	if a3 != a1 {
		t.Error("load after resolve should hit the cache")
	}
	if ld.Decodes() != 1 {
		t.Errorf("decodes = %d, want 1", ld.Decodes())
	}
	if f.Calls("studio.png") != 1 {
		t.Errorf("fetches = %d, want 1", f.Calls("studio.png"))
	}
	if a1.State() != StateReady || a1.Image() == nil {
		t.Fatalf("asset not ready: state=%v err=%v", a1.State(), a1.Err())
	}
	if got := a1.Image().RGBAAt(1, 1); got != (color.RGBA{10, 20, 30, 255}) {
		t.Errorf("pixel = %v", got)
	}
}

func TestLoader_Failures(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		err     error
		want    error
		image   bool
		tainted bool
	}{
		{"network", Payload{}, ErrNetwork, ErrNetwork, false, false},
		{"decode", Payload{Data: []byte("not an image")}, nil, ErrDecode, false, false},
		{"cors", Payload{Data: nil, Tainted: true}, nil, ErrCORSBlocked, true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.payload
			if tc.tainted {
				p.Data = pngBytes(t, 2, 2, color.RGBA{255, 0, 0, 255})
			}
			ld := NewLoader(&MockFetcher{FetchFunc: func(context.Context, string) (Payload, error) {
				return p, tc.err
			}})

			var mu sync.Mutex
			var seen []LoadState
			ld.OnUpdate = func(a *Asset) {
				mu.Lock()
				seen = append(seen, a.State())
				mu.Unlock()
			}

			a := ld.Load(context.Background(), "x.png")
			wait(t, a)

			if a.State() != StateFailed {
				t.Fatalf("state = %v, want failed", a.State())
			}
			if !errors.Is(a.Err(), tc.want) {
				t.Errorf("err = %v, want %v", a.Err(), tc.want)
			}
			var de *DecodeError
			if !errors.As(a.Err(), &de) || de.URI != "x.png" {
				t.Errorf("expected *DecodeError for x.png, got %v", a.Err())
			}
			if (a.Image() != nil) != tc.image {
				t.Errorf("image present = %v, want %v", a.Image() != nil, tc.image)
			}
			if a.Tainted() != tc.tainted {
				t.Errorf("tainted = %v, want %v", a.Tainted(), tc.tainted)
			}

			mu.Lock()
			defer mu.Unlock()
			if len(seen) != 2 || seen[0] != StateLoading || seen[1] != StateFailed {
				t.Errorf("transitions = %v", seen)
			}
		})
	}
}

func TestLoader_NetworkFailureRetriedOnReload(t *testing.T) {
	var fail = true
	var mu sync.Mutex
	data := pngBytes(t, 2, 2, color.RGBA{1, 2, 3, 255})
	f := &MockFetcher{FetchFunc: func(context.Context, string) (Payload, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return Payload{}, ErrNetwork
		}
		return Payload{Data: data}, nil
	}}
	ld := NewLoader(f)

	a := ld.Load(context.Background(), "bg.png")
	wait(t, a)
	if a.State() != StateFailed {
		t.Fatal("expected failure")
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	b := ld.Load(context.Background(), "bg.png")
	wait(t, b)
	if b == a || b.State() != StateReady {
		t.Errorf("reload should start a fresh asset, got state %v", b.State())
	}
}

func TestLoader_ClearAndCurrent(t *testing.T) {
	data := pngBytes(t, 2, 2, color.RGBA{A: 255})
	ld := NewLoader(&MockFetcher{FetchFunc: func(context.Context, string) (Payload, error) {
		return Payload{Data: data}, nil
	}}, WithCacheSize(1))

	a := ld.Load(context.Background(), "a.png")
	if ld.Current() != a {
		t.Error("current should be the last loaded asset")
	}
	ld.Clear()
	if ld.Current() != nil {
		t.Error("clear should drop the selection")
	}

	wait(t, a)
	b := ld.Load(context.Background(), "b.png")
	wait(t, b)
	if ld.Cached() != 1 {
		t.Errorf("cache len = %d, want 1", ld.Cached())
	}
}

func TestHTTPFetcher_CORS(t *testing.T) {
	data := pngBytes(t, 2, 2, color.RGBA{0, 255, 0, 255})

	tests := []struct {
		name    string
		acao    string
		origin  string
		tainted bool
	}{
		{"wildcard", "*", "http://mirror.local", false},
		{"matching origin", "http://mirror.local", "http://mirror.local", false},
		{"missing header", "", "http://mirror.local", true},
		{"other origin", "http://evil.example", "http://mirror.local", true},
		{"no origin configured", "", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotOrigin, gotAuth, gotCookie string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotOrigin = r.Header.Get("Origin")
				gotAuth = r.Header.Get("Authorization")
				gotCookie = r.Header.Get("Cookie")
				if tc.acao != "" {
					w.Header().Set("Access-Control-Allow-Origin", tc.acao)
				}
				w.Header().Set("Content-Type", "image/png")
				w.Write(data)
			}))
			defer srv.Close()

			f := NewHTTPFetcher(tc.origin)
			// Credentials embedded in the uri must never reach the server.
			uri := "http://user:secret@" + srv.Listener.Addr().String() + "/bg.png"

			p, err := f.Fetch(context.Background(), uri)
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if p.Tainted != tc.tainted {
				t.Errorf("tainted = %v, want %v", p.Tainted, tc.tainted)
			}
			if gotOrigin != tc.origin {
				t.Errorf("Origin header = %q, want %q", gotOrigin, tc.origin)
			}
			if gotAuth != "" || gotCookie != "" {
				t.Errorf("credentials leaked: auth=%q cookie=%q", gotAuth, gotCookie)
			}
			if !bytes.Equal(p.Data, data) {
				t.Error("payload mismatch")
			}
		})
	}
}

func TestHTTPFetcher_Status(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewHTTPFetcher("").Fetch(context.Background(), srv.URL+"/missing.png")
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", err)
	}
}

func TestMuxFetcher_File(t *testing.T) {
	dir := t.TempDir()
	data := pngBytes(t, 3, 3, color.RGBA{9, 9, 9, 255})
	if err := os.WriteFile(filepath.Join(dir, "bg.png"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewMuxFetcher("", dir)
	for _, uri := range []string{"bg.png", "file://bg.png", "file://" + filepath.Join(dir, "bg.png")} {
		p, err := m.Fetch(context.Background(), uri)
		if err != nil {
			t.Fatalf("%s: %v", uri, err)
		}
		if !bytes.Equal(p.Data, data) || p.Tainted {
			t.Errorf("%s: unexpected payload", uri)
		}
	}

	if _, err := m.Fetch(context.Background(), "ftp://host/bg.png"); !errors.Is(err, ErrNetwork) {
		t.Errorf("unsupported scheme err = %v", err)
	}
	if _, err := m.Fetch(context.Background(), "../../etc/passwd"); err == nil {
		t.Error("path traversal outside root should fail")
	}
}
