package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/cache"
	"github.com/dgnsrekt/ambient/internal/engine"
	"github.com/dgnsrekt/ambient/internal/gain"
	"github.com/dgnsrekt/ambient/internal/timeline"
	"github.com/gorilla/mux"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

type trackRequest struct {
	Track    string `json:"track"`
	Duration string `json:"duration,omitempty"`
	Sync     bool   `json:"sync,omitempty"`
}

type volumeRequest struct {
	Volume     *float64 `json:"volume"`
	Immediate  bool     `json:"immediate,omitempty"`
	Transition string   `json:"transition,omitempty"`
}

type fadeRequest struct {
	Volume   *float64 `json:"volume"`
	Duration string   `json:"duration"`
}

type seekRequest struct {
	At      string   `json:"at,omitempty"`
	Percent *float64 `json:"percent,omitempty"`
}

type applyRequest struct {
	Immediate bool   `json:"immediate,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

type timelineResponse struct {
	timeline.Status
	Phases []timeline.Phase     `json:"phases"`
	Events []timeline.EventInfo `json:"events"`
}

type cacheResponse struct {
	Stats   cache.Stats   `json:"stats"`
	Entries []cacheEntry `json:"entries"`
}

type cacheEntry struct {
	Locator  string        `json:"locator"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
	Hits     int64         `json:"hits"`
	Pinned   bool          `json:"pinned"`
}

func (s *Server) handleLayers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Layers())
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	var c engine.Collection
	if !s.decode(w, r, &c) {
		return
	}
	if err := s.engine.RegisterCollection(c); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Layers())
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	layer, ok := s.layer(w, r)
	if !ok {
		return
	}
	var req trackRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := parseDuration("duration", req.Duration)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// the transition outlives the request
	_, err = s.engine.ChangeTrack(context.Background(), layer, req.Track, engine.ChangeOptions{Duration: d, SyncPosition: req.Sync})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"layer": layer, "track": req.Track})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	layer, ok := s.layer(w, r)
	if !ok {
		return
	}
	var req volumeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Volume == nil {
		s.writeError(w, ambient.InvalidParameter("volume is required"))
		return
	}
	d, err := parseDuration("transition", req.Transition)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.SetVolume(layer, *req.Volume, gain.SetOptions{Immediate: req.Immediate, Transition: d}); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"layer": layer, "volume": s.engine.Gain().Volume(layer)})
}

func (s *Server) handleFade(w http.ResponseWriter, r *http.Request) {
	layer, ok := s.layer(w, r)
	if !ok {
		return
	}
	var req fadeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Volume == nil {
		s.writeError(w, ambient.InvalidParameter("volume is required"))
		return
	}
	d, err := parseDuration("duration", req.Duration)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if d < 0 {
		s.writeError(w, ambient.InvalidParameter("negative duration %s", d))
		return
	}

	target := *req.Volume
	go func() {
		err := s.engine.Fade(context.Background(), layer, target, d, nil)
		if err != nil && !errors.Is(err, ambient.ErrCanceled) {
			s.logger.Warn("fade failed", "layer", layer, "err", err)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]any{"layer": layer, "volume": target, "duration": d.String()})
}

func (s *Server) handleLayerAction(w http.ResponseWriter, r *http.Request) {
	layer, ok := s.layer(w, r)
	if !ok {
		return
	}

	var err error
	resp := map[string]any{"layer": layer}
	switch mux.Vars(r)["action"] {
	case "mute":
		err = s.engine.Mute(layer)
	case "unmute":
		err = s.engine.Unmute(layer)
	case "solo":
		var solo bool
		solo, err = s.engine.ToggleSolo(layer)
		resp["solo"] = solo
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp["muted"] = s.engine.Gain().IsMuted(layer)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTimeline(w http.ResponseWriter, _ *http.Request) {
	tl := s.engine.Timeline()
	s.writeJSON(w, http.StatusOK, timelineResponse{
		Status: tl.Status(),
		Phases: tl.Phases(),
		Events: tl.Events(),
	})
}

func (s *Server) handleTimelineAction(w http.ResponseWriter, r *http.Request) {
	tl := s.engine.Timeline()

	var err error
	switch mux.Vars(r)["action"] {
	case "start":
		err = tl.Start(timeline.StartOptions{Reset: r.URL.Query().Get("reset") == "true"})
	case "stop":
		tl.Stop()
	case "pause":
		err = tl.Pause()
	case "resume":
		err = tl.Resume()
	case "reset":
		tl.Reset()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tl.Status())
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if !s.decode(w, r, &req) {
		return
	}

	tl := s.engine.Timeline()
	var err error
	switch {
	case req.Percent != nil:
		err = tl.SeekToPercent(*req.Percent)
	case req.At != "":
		var at time.Duration
		if at, err = parseDuration("at", req.At); err == nil {
			err = tl.SeekTo(at)
		}
	default:
		err = ambient.InvalidParameter("seek needs at or percent")
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tl.Status())
}

func (s *Server) handlePhases(w http.ResponseWriter, r *http.Request) {
	var phases []timeline.Phase
	if !s.decode(w, r, &phases) {
		return
	}
	tl := s.engine.Timeline()
	if err := tl.SetPhases(phases); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tl.Phases())
}

func (s *Server) handleApplyPhase(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	d, err := parseDuration("duration", req.Duration)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tl := s.engine.Timeline()
	if d == 0 && !req.Immediate {
		d = tl.PhaseTransition()
	}
	id := mux.Vars(r)["id"]
	if err := tl.ApplyPhase(r.Context(), id, timeline.ApplyOptions{Immediate: req.Immediate, Duration: d}); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"phase": id})
}

func (s *Server) handleCache(w http.ResponseWriter, _ *http.Request) {
	buffers := s.engine.Buffers()
	entries := buffers.Entries()
	resp := cacheResponse{Stats: buffers.Stats(), Entries: make([]cacheEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, cacheEntry{
			Locator:  e.Locator,
			Size:     e.Size,
			Duration: e.Duration,
			Hits:     e.Hits,
			Pinned:   e.Pinned,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.engine.Reset()
	s.writeJSON(w, http.StatusOK, s.engine.Layers())
}

func (s *Server) layer(w http.ResponseWriter, r *http.Request) (ambient.LayerID, bool) {
	id, err := ambient.ParseLayer(mux.Vars(r)["layer"])
	if err != nil {
		s.writeError(w, err)
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, ambient.NewError(ambient.CodeInvalidParameter, "malformed request body", err))
		return false
	}
	return true
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, ambient.NewError(ambient.CodeInvalidParameter, fmt.Sprintf("bad %s %q", field, s), err)
	}
	return d, nil
}

// statusFor maps error codes to HTTP statuses.
func statusFor(err error) int {
	code, ok := ambient.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case ambient.CodeInvalidParameter:
		return http.StatusBadRequest
	case ambient.CodeStateConflict:
		return http.StatusConflict
	case ambient.CodeLoad, ambient.CodeDecode:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]string{"error": err.Error()}
	if code, ok := ambient.CodeOf(err); ok {
		body["code"] = string(code)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "err", err)
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "err", err)
	}
}
