// Package render projects remote cursor states onto the local editing
// surface: one caret marker, one selection region, and one floating name
// label per remote participant.
//
// Rendering is a pure projection of (cursor state, viewport). It never
// mutates document content or the local caret.
package render

import (
	"sort"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/editor"
	"github.com/Boritgoge/KiyomiTalk/cmd/internal/presence"
)

// Point is a screen coordinate in pixels, relative to the editor content area.
type Point struct {
	Left float64
	Top  float64
}

// Metrics is the surface's coordinate-projection capability.
//
// Project returns the on-screen point of a document position and false when
// the position cannot be projected (scrolled out of the rendered region).
type Metrics interface {
	LineCount() int
	LineLength(line int) int
	Project(p editor.Position) (Point, bool)
	LineHeight() float64
}

// DecorationKind distinguishes caret markers from selection regions.
type DecorationKind uint8

const (
	// KindCaret is a zero-width caret marker at one position.
	KindCaret DecorationKind = iota
	// KindSelection is a highlighted document range.
	KindSelection
)

// Decoration is one document-range marker to draw for a remote participant.
type Decoration struct {
	ParticipantID string
	Kind          DecorationKind
	Start         editor.Position
	End           editor.Position
	Color         presence.ColorToken
}

// Label is one floating display-name flag, anchored above its caret.
type Label struct {
	ParticipantID string
	DisplayName   string
	At            Point
	Color         presence.ColorToken
}

// Frame is one complete render output. Each recompute yields a full
// replacement frame; consumers must clear previous decorations before
// applying it, or stale markers accumulate unboundedly.
type Frame struct {
	Decorations []Decoration
	Labels      []Label
}

// Renderer computes frames from the latest remote cursor map and the surface
// metrics. It caches the last map so scroll/resize can reproject without new
// presence data.
type Renderer struct {
	metrics Metrics
	palette *presence.Palette

	last map[string]presence.CursorState
}

// NewRenderer constructs a renderer over the given projection capability and
// the session's color assignments.
func NewRenderer(metrics Metrics, palette *presence.Palette) *Renderer {
	if palette == nil {
		palette = presence.NewPalette(nil, presence.ColorModeHex)
	}
	return &Renderer{
		metrics: metrics,
		palette: palette,
		last:    make(map[string]presence.CursorState),
	}
}

// Update replaces the cached cursor map and computes a fresh frame.
// Wire it to the presence engine's remote handler.
func (r *Renderer) Update(cursors map[string]presence.CursorState) Frame {
	next := make(map[string]presence.CursorState, len(cursors))
	for id, cs := range cursors {
		next[id] = cs
	}
	r.last = next
	return r.compute()
}

// Reproject recomputes the frame from the cached cursors. Call it on viewport
// scroll and on resize/layout changes.
func (r *Renderer) Reproject() Frame {
	return r.compute()
}

func (r *Renderer) compute() Frame {
	ids := make([]string, 0, len(r.last))
	for id := range r.last {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	frame := Frame{
		Decorations: make([]Decoration, 0, 2*len(ids)),
		Labels:      make([]Label, 0, len(ids)),
	}

	for _, id := range ids {
		cs := r.last[id]
		if !r.inBounds(cs.Position) {
			// Likely a race with an unpropagated edit; suppress rather
			// than draw (or crash) at a position that does not exist.
			continue
		}
		color := r.palette.Assign(id)

		if !cs.Selection.IsEmpty() && r.inBounds(cs.Selection.Start()) && r.inBounds(cs.Selection.End()) {
			frame.Decorations = append(frame.Decorations, Decoration{
				ParticipantID: id,
				Kind:          KindSelection,
				Start:         cs.Selection.Start(),
				End:           cs.Selection.End(),
				Color:         color,
			})
		}

		frame.Decorations = append(frame.Decorations, Decoration{
			ParticipantID: id,
			Kind:          KindCaret,
			Start:         cs.Position,
			End:           cs.Position,
			Color:         color,
		})

		if pt, ok := r.metrics.Project(cs.Position); ok {
			frame.Labels = append(frame.Labels, Label{
				ParticipantID: id,
				DisplayName:   cs.Participant.DisplayName,
				At:            Point{Left: pt.Left, Top: pt.Top - r.metrics.LineHeight()},
				Color:         color,
			})
		}
	}

	return frame
}

func (r *Renderer) inBounds(p editor.Position) bool {
	if p.Line < 1 || p.Line > r.metrics.LineCount() {
		return false
	}
	ll := r.metrics.LineLength(p.Line)
	return ll >= 0 && p.Column >= 1 && p.Column <= ll+1
}
