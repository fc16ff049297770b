package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/audio"
	"github.com/dgnsrekt/ambient/internal/cache"
	"github.com/dgnsrekt/ambient/internal/config"
	"github.com/dgnsrekt/ambient/internal/engine"
	"github.com/gorilla/websocket"
)

type memFetcher struct{}

func (memFetcher) Fetch(_ context.Context, locator string) (io.ReadCloser, int64, error) {
	if strings.HasSuffix(locator, "missing") {
		return nil, 0, errors.New("not found")
	}
	data := bytes.Repeat([]byte("a"), 500)
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	sink := audio.NewMockSink()
	buffers := cache.New(memFetcher{}, sink, cache.DefaultConfig())

	cfg := engine.DefaultConfig()
	cfg.Crossfade.DefaultDuration = 20 * time.Millisecond
	cfg.Crossfade.MinDuration = 10 * time.Millisecond
	cfg.Crossfade.TickInterval = 5 * time.Millisecond

	e, err := engine.New(sink, buffers, cfg)
	if err != nil {
		t.Fatal(err)
	}
	err = e.RegisterCollection(engine.Collection{
		1: {{ID: "rain", Locator: "mem://rain"}, {ID: "storm", Locator: "mem://storm"}},
		2: {{ID: "gone", Locator: "mem://missing"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	s := New(e, config.DefaultConfig().Server)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
		e.Close()
	})
	return s, ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ambient.InvalidParameter("x"), http.StatusBadRequest},
		{ambient.StateConflict("x"), http.StatusConflict},
		{ambient.LoadError("mem://x", errors.New("down")), http.StatusBadGateway},
		{ambient.DecodeError("mem://x", errors.New("junk")), http.StatusBadGateway},
		{ambient.GraphError("connect", errors.New("no")), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", ambient.StateConflict("x")), http.StatusConflict},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestLayerEndpoints(t *testing.T) {
	s, ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"list", http.MethodGet, "/api/layers", "", http.StatusOK},
		{"volume", http.MethodPut, "/api/layers/2/volume", `{"volume": 0.3, "immediate": true}`, http.StatusOK},
		{"volume by name", http.MethodPut, "/api/layers/layer3/volume", `{"volume": 0.6}`, http.StatusOK},
		{"volume missing", http.MethodPut, "/api/layers/2/volume", `{}`, http.StatusBadRequest},
		{"volume bad transition", http.MethodPut, "/api/layers/2/volume", `{"volume": 1, "transition": "later"}`, http.StatusBadRequest},
		{"unknown layer", http.MethodPut, "/api/layers/9/volume", `{"volume": 0.3}`, http.StatusBadRequest},
		{"unknown field", http.MethodPut, "/api/layers/2/volume", `{"vol": 0.3}`, http.StatusBadRequest},
		{"mute", http.MethodPost, "/api/layers/4/mute", "", http.StatusOK},
		{"unmute", http.MethodPost, "/api/layers/4/unmute", "", http.StatusOK},
		{"solo", http.MethodPost, "/api/layers/1/solo", "", http.StatusOK},
		{"unsolo", http.MethodPost, "/api/layers/1/solo", "", http.StatusOK},
		{"fade", http.MethodPost, "/api/layers/3/fade", `{"volume": 0.1, "duration": "20ms"}`, http.StatusAccepted},
		{"unknown track", http.MethodPost, "/api/layers/1/track", `{"track": "snow"}`, http.StatusBadRequest},
		{"bad collection", http.MethodPut, "/api/collection", `{"1": [{"id": "x"}]}`, http.StatusBadRequest},
		{"cache", http.MethodGet, "/api/cache", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, body := do(t, ts, tt.method, tt.path, tt.body); got != tt.want {
				t.Errorf("%s %s = %d %v, want %d", tt.method, tt.path, got, body, tt.want)
			}
		})
	}

	if got := s.engine.Gain().Volume(2); got != 0.3 {
		t.Errorf("layer2 volume = %v", got)
	}
}

func TestTrackChange(t *testing.T) {
	s, ts := newTestServer(t)

	status, body := do(t, ts, http.MethodPost, "/api/layers/1/track", `{"track": "rain", "duration": "20ms"}`)
	if status != http.StatusAccepted || body["track"] != "rain" {
		t.Fatalf("change = %d %v", status, body)
	}
	waitFor(t, func() bool { return s.engine.CurrentTrack(1) == "rain" })

	status, body = do(t, ts, http.MethodPost, "/api/layers/1/track", `{"track": "rain"}`)
	if status != http.StatusConflict || body["code"] != "STATE_CONFLICT" {
		t.Errorf("same track = %d %v", status, body)
	}

	status, _ = do(t, ts, http.MethodGet, "/api/cache", "")
	if status != http.StatusOK {
		t.Errorf("cache = %d", status)
	}
}

func TestTimelineEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	steps := []struct {
		method, path, body string
		want               int
		state              string
	}{
		{http.MethodPost, "/api/timeline/pause", "", http.StatusConflict, ""},
		{http.MethodPut, "/api/timeline/phases", `[{"id": "a", "position": 0}, {"id": "b", "position": 50, "state": {"volumes": {"1": 0.2}}}]`, http.StatusOK, ""},
		{http.MethodPut, "/api/timeline/phases", `[{"id": "a", "position": 140}]`, http.StatusBadRequest, ""},
		{http.MethodPost, "/api/timeline/start", "", http.StatusOK, "playing"},
		{http.MethodPost, "/api/timeline/pause", "", http.StatusOK, "paused"},
		{http.MethodPost, "/api/timeline/seek", `{"percent": 60}`, http.StatusOK, "paused"},
		{http.MethodPost, "/api/timeline/seek", `{"at": "1m"}`, http.StatusOK, "paused"},
		{http.MethodPost, "/api/timeline/seek", `{}`, http.StatusBadRequest, ""},
		{http.MethodPost, "/api/timeline/resume", "", http.StatusOK, "playing"},
		{http.MethodPost, "/api/timeline/phases/b/apply", `{"immediate": true}`, http.StatusOK, ""},
		{http.MethodPost, "/api/timeline/phases/zzz/apply", "", http.StatusBadRequest, ""},
		{http.MethodPost, "/api/timeline/stop", "", http.StatusOK, "stopped"},
		{http.MethodPost, "/api/timeline/reset", "", http.StatusOK, "stopped"},
	}
	for _, st := range steps {
		got, body := do(t, ts, st.method, st.path, st.body)
		if got != st.want {
			t.Fatalf("%s %s = %d %v, want %d", st.method, st.path, got, body, st.want)
		}
		if st.state != "" && body["state"] != st.state {
			t.Errorf("%s %s: state = %v, want %s", st.method, st.path, body["state"], st.state)
		}
	}

	status, body := do(t, ts, http.MethodGet, "/api/timeline", "")
	if status != http.StatusOK {
		t.Fatal(status)
	}
	if phases, _ := body["phases"].([]any); len(phases) != 2 {
		t.Errorf("phases = %v", body["phases"])
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWebsocketStream(t *testing.T) {
	s, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return s.Hub().Clients() == 1 })

	if status, _ := do(t, ts, http.MethodPut, "/api/layers/3/volume", `{"volume": 0.4, "immediate": true}`); status != http.StatusOK {
		t.Fatalf("volume = %d", status)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var n engine.Notification
		if err := conn.ReadJSON(&n); err != nil {
			t.Fatal(err)
		}
		if n.Source == engine.SourceGain && n.Kind == "volume-changed" {
			if n.Layer != 3 {
				t.Errorf("layer = %d", n.Layer)
			}
			break
		}
	}

	conn.Close()
	waitFor(t, func() bool { return s.Hub().Clients() == 0 })
}

func TestBroadcastThrottlesProgress(t *testing.T) {
	h := NewHub(nil)
	c := &client{id: "test", send: make(chan []byte, sendBuffer)}
	h.clients[c] = struct{}{}

	for i := 0; i < 20; i++ {
		h.Broadcast(engine.Notification{Source: engine.SourceCrossfade, Kind: "crossfade-progress", Layer: 1})
	}
	h.Broadcast(engine.Notification{Source: engine.SourceEngine, Kind: engine.KindTrackChanged, Layer: 1})

	if got := len(c.send); got != 2 {
		t.Errorf("queued %d messages, want one progress and the track change", got)
	}
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	h := NewHub(nil)
	c := &client{id: "slow", send: make(chan []byte, 1)}
	h.clients[c] = struct{}{}

	h.Broadcast(engine.Notification{Kind: engine.KindSoloChanged})
	h.Broadcast(engine.Notification{Kind: engine.KindSoloChanged})
	if got := len(c.send); got != 1 {
		t.Errorf("queued %d", got)
	}
}
