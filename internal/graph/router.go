// Package graph owns the wiring of the audio graph. Every connect and
// disconnect the engine performs goes through a Router, which keeps each
// node on at most one route and knows which output stage each layer uses.
package graph

import (
	"fmt"
	"sync"

	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/audio"
)

// Router records layer output stages and where each routed node goes.
type Router struct {
	sink audio.Sink

	mu      sync.Mutex
	outputs map[ambient.LayerID]audio.GainNode
	routes  map[audio.NodeID]audio.GainNode
	stages  map[audio.NodeID]ambient.LayerID
}

// New creates a router over sink.
func New(sink audio.Sink) *Router {
	return &Router{
		sink:    sink,
		outputs: make(map[ambient.LayerID]audio.GainNode),
		routes:  make(map[audio.NodeID]audio.GainNode),
		stages:  make(map[audio.NodeID]ambient.LayerID),
	}
}

// Sink returns the sink the router wires.
func (r *Router) Sink() audio.Sink {
	return r.sink
}

// BindLayer makes stage the persistent output of layer and routes it to the
// sink destination.
func (r *Router) BindLayer(layer ambient.LayerID, stage audio.GainNode) error {
	if err := ambient.ValidateLayer(layer); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.routeLocked(stage, r.sink.Destination()); err != nil {
		return err
	}
	r.outputs[layer] = stage
	return nil
}

// Output returns the persistent output stage of layer.
func (r *Router) Output(layer ambient.LayerID) (audio.GainNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.outputs[layer]
	return g, ok
}

// Route sends src into dst, first removing any existing route of src.
func (r *Router) Route(src audio.Node, dst audio.GainNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routeLocked(src, dst)
}

// RouteToLayer sends src straight into the persistent output of layer.
func (r *Router) RouteToLayer(layer ambient.LayerID, src audio.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	out, ok := r.outputs[layer]
	if !ok {
		return ambient.GraphError(fmt.Sprintf("%s has no output stage", layer), nil)
	}
	return r.routeLocked(src, out)
}

func (r *Router) routeLocked(src audio.Node, dst audio.GainNode) error {
	if cur, ok := r.routes[src.ID()]; ok {
		if cur.ID() == dst.ID() {
			return nil
		}
		if err := r.sink.Disconnect(src); err != nil {
			return ambient.GraphError("disconnect", err)
		}
		delete(r.routes, src.ID())
	}
	if err := r.sink.Connect(src, dst); err != nil {
		return ambient.GraphError(fmt.Sprintf("connect %d -> %d", src.ID(), dst.ID()), err)
	}
	r.routes[src.ID()] = dst
	return nil
}

// Unroute disconnects src. Unrouted nodes are ignored.
func (r *Router) Unroute(src audio.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unrouteLocked(src)
}

func (r *Router) unrouteLocked(src audio.Node) error {
	if _, ok := r.routes[src.ID()]; !ok {
		return nil
	}
	delete(r.routes, src.ID())
	if err := r.sink.Disconnect(src); err != nil {
		return ambient.GraphError("disconnect", err)
	}
	return nil
}

// RoutedTo returns the current destination of src.
func (r *Router) RoutedTo(src audio.Node) (audio.GainNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dst, ok := r.routes[src.ID()]
	return dst, ok
}

// NewStage creates a transient gain stage for layer, routed to the sink
// destination alongside the layer output.
func (r *Router) NewStage(layer ambient.LayerID, initial float64) (audio.GainNode, error) {
	g, err := r.sink.NewGain(initial)
	if err != nil {
		return nil, ambient.GraphError("create gain stage", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.routeLocked(g, r.sink.Destination()); err != nil {
		return nil, err
	}
	r.stages[g.ID()] = layer
	return g, nil
}

// ReleaseStage disconnects a transient stage and every node still routed
// into it.
func (r *Router) ReleaseStage(stage audio.GainNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, dst := range r.routes {
		if dst.ID() != stage.ID() {
			continue
		}
		delete(r.routes, id)
		if err := r.sink.Disconnect(nodeID(id)); err != nil && firstErr == nil {
			firstErr = ambient.GraphError("disconnect", err)
		}
	}
	if err := r.unrouteLocked(stage); err != nil && firstErr == nil {
		firstErr = err
	}
	delete(r.stages, stage.ID())
	r.sink.Release(stage)
	return firstErr
}

// Release forgets n and every route into or out of it, then releases it from
// the sink.
func (r *Router) Release(n audio.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.routes, n.ID())
	for id, dst := range r.routes {
		if dst.ID() == n.ID() {
			delete(r.routes, id)
		}
	}
	delete(r.stages, n.ID())
	r.sink.Release(n)
}

// Stages returns the number of live transient stages.
func (r *Router) Stages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stages)
}

type nodeID audio.NodeID

func (n nodeID) ID() audio.NodeID { return audio.NodeID(n) }
