package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestScheme(t *testing.T) {
	tests := map[string]string{
		"https://cdn.example.com/rain.mp3": "https",
		"HTTP://cdn.example.com/rain.mp3":  "http",
		"s3://sounds/rain.mp3":             "s3",
		"file:///tmp/rain.wav":             "file",
		"sounds/rain.wav":                  "",
		"/abs/rain.wav":                    "",
		`C:\sounds\rain.wav`:               "",
	}
	for in, want := range tests {
		if got := Scheme(in); got != want {
			t.Errorf("Scheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseObjectLocator(t *testing.T) {
	bucket, key, err := ParseObjectLocator("minio://ambient/beds/rain.ogg")
	if err != nil {
		t.Fatal(err)
	}
	if bucket != "ambient" || key != "beds/rain.ogg" {
		t.Errorf("got %s / %s", bucket, key)
	}

	for _, bad := range []string{"s3://bucket-only", "s3:///key"} {
		if _, _, err := ParseObjectLocator(bad); err == nil {
			t.Errorf("ParseObjectLocator(%q) should fail", bad)
		}
	}
}

func TestHTTPFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", "100000")
		w.Write([]byte(strings.Repeat("x", 100000)))
	}))
	defer srv.Close()

	h := NewHTTP(0)
	var last, total int64
	data, err := ReadAll(context.Background(), h, srv.URL+"/rain.mp3", func(read, size int64) {
		last, total = read, size
	})
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(data) != 100000 || last != 100000 || total != 100000 {
		t.Errorf("len=%d last=%d total=%d", len(data), last, total)
	}

	_, err = ReadAll(context.Background(), h, srv.URL+"/missing", nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("missing resource error = %v", err)
	}
}

func TestRouterDispatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rain.wav"), []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRouter(&File{Root: dir})
	r.Handle(&File{}, "file")

	for _, loc := range []string{"rain.wav", "file://" + filepath.Join(dir, "rain.wav")} {
		data, err := ReadAll(context.Background(), r, loc, nil)
		if err != nil {
			t.Fatalf("ReadAll(%q): %v", loc, err)
		}
		if string(data) != "RIFF" {
			t.Errorf("ReadAll(%q) = %q", loc, data)
		}
	}

	if _, err := ReadAll(context.Background(), r, "ftp://host/rain.wav", nil); err == nil {
		t.Error("unregistered scheme should fail")
	}
	if _, err := ReadAll(context.Background(), r, "missing.wav", nil); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v", err)
	}
}

func TestReadAllHonoursContext(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.wav"), []byte("data"), 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ReadAll(ctx, &File{Root: dir}, "a.wav", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadAll with canceled ctx = %v", err)
	}
}
