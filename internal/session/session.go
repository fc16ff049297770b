// Package session reads ambient session documents: the layer catalogs, the
// timeline phases and the scheduled events of one listening session.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/engine"
	"github.com/dgnsrekt/ambient/internal/timeline"
	"gopkg.in/yaml.v3"
)

// Document is a parsed session file.
type Document struct {
	Name     string                              `yaml:"name,omitempty"`
	Duration time.Duration                       `yaml:"duration"`
	Layers   map[ambient.LayerID][]ambient.Track `yaml:"layers"`
	Phases   []timeline.Phase                    `yaml:"phases,omitempty"`
	Events   []Event                             `yaml:"events,omitempty"`
}

// Event is an action scheduled at a point in the session.
type Event struct {
	ID     string        `yaml:"id,omitempty"`
	At     time.Duration `yaml:"at"`
	Action Action        `yaml:"action"`
}

// Load reads and validates the session file at path.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer f.Close() //nolint:errcheck
	doc, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Decode parses and validates a session document.
func Decode(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, ambient.NewError(ambient.CodeInvalidParameter, "malformed session document", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the document without touching an engine.
func (d *Document) Validate() error {
	if d.Duration < 0 {
		return ambient.InvalidParameter("negative duration %s", d.Duration)
	}

	tracks := make(map[ambient.LayerID]map[string]bool, len(d.Layers))
	for id, list := range d.Layers {
		if err := ambient.ValidateLayer(id); err != nil {
			return err
		}
		seen := make(map[string]bool)
		for _, t := range list {
			for _, f := range t.Flatten() {
				switch {
				case f.ID == "":
					return ambient.InvalidParameter("%s: track without id", id)
				case f.Locator == "":
					return ambient.InvalidParameter("%s: track %q has no source", id, f.ID)
				case seen[f.ID]:
					return ambient.InvalidParameter("%s: duplicate track %q", id, f.ID)
				}
				seen[f.ID] = true
			}
		}
		tracks[id] = seen
	}

	phases := make(map[string]bool, len(d.Phases))
	for _, p := range d.Phases {
		if p.ID == "" {
			return ambient.InvalidParameter("phase without id")
		}
		if phases[p.ID] {
			return ambient.InvalidParameter("duplicate phase %q", p.ID)
		}
		phases[p.ID] = true
		if p.State == nil {
			continue
		}
		for layer, track := range p.State.Tracks {
			if !tracks[layer][track] {
				return ambient.InvalidParameter("phase %q: %s has no track %q", p.ID, layer, track)
			}
		}
	}

	events := make(map[string]bool, len(d.Events))
	for i, ev := range d.Events {
		if ev.At < 0 {
			return ambient.InvalidParameter("event %d: negative time %s", i, ev.At)
		}
		if d.Duration > 0 && ev.At > d.Duration {
			return ambient.InvalidParameter("event %d: %s is past the end of the session", i, ev.At)
		}
		if ev.ID != "" {
			if events[ev.ID] {
				return ambient.InvalidParameter("duplicate event %q", ev.ID)
			}
			events[ev.ID] = true
		}
		if err := ev.Action.validate(tracks); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}

// Collection returns the layer catalogs in the form the engine registers.
func (d *Document) Collection() engine.Collection {
	c := make(engine.Collection, len(d.Layers))
	for id, tracks := range d.Layers {
		c[id] = tracks
	}
	return c
}
