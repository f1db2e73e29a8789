// Package mapview keeps a headless model of a live map: one marker per
// visible driver plus an optional self marker, and a viewport that follows
// the self location. Changes are pushed to a Surface, which is whatever
// actually draws the map.
package mapview

import (
	"sort"

	"github.com/example/campustrack/internal/presence"
)

// LatLng is a coordinate in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CampusCenter is the neutral default center.
var CampusCenter = LatLng{Lat: 12.9716, Lng: 77.5946}

const (
	SelfZoom  = 15.0
	FleetZoom = 13.0

	SelfMarkerID   = "_self"
	CampusMarkerID = "_campus"
)

type MarkerKind string

const (
	KindDriver MarkerKind = "driver"
	KindSelf   MarkerKind = "self"
	KindCampus MarkerKind = "campus"
)

// Marker is a rendered marker. Pointers are stable for as long as the marker
// stays on the map; repositioning mutates the marker in place.
type Marker struct {
	ID       string     `json:"id"`
	Kind     MarkerKind `json:"kind"`
	Position LatLng     `json:"position"`
	Label    string     `json:"label"`
	Speed    float64    `json:"speed"`
}

// Viewport is the visible map region.
type Viewport struct {
	Center LatLng  `json:"center"`
	Zoom   float64 `json:"zoom"`
}

// Surface draws markers and moves the camera.
type Surface interface {
	AddMarker(m *Marker)
	MoveMarker(m *Marker)
	RemoveMarker(m *Marker)
	FlyTo(v Viewport)
}

// Options configures a renderer.
type Options struct {
	// SelfDriverID hides this driver's fleet marker while a self location is
	// rendered.
	SelfDriverID string
	SelfLabel    string
}

// Renderer reconciles input against the markers currently on the surface.
type Renderer struct {
	surface  Surface
	opts     Options
	markers  map[string]*Marker
	view     Viewport
	lastSelf *LatLng
	started  bool
}

// New constructs a renderer centered on campus.
func New(surface Surface, opts Options) *Renderer {
	if opts.SelfLabel == "" {
		opts.SelfLabel = "You"
	}
	return &Renderer{
		surface: surface,
		opts:    opts,
		markers: make(map[string]*Marker),
		view:    Viewport{Center: CampusCenter, Zoom: FleetZoom},
	}
}

// Render draws the self location (may be nil) and the driver list.
func (r *Renderer) Render(self *LatLng, drivers []presence.Record) {
	desired := make(map[string]Marker, len(drivers)+1)
	if self != nil {
		desired[SelfMarkerID] = Marker{ID: SelfMarkerID, Kind: KindSelf, Position: *self, Label: r.opts.SelfLabel}
	}
	for _, d := range drivers {
		if self != nil && d.DriverID == r.opts.SelfDriverID {
			continue
		}
		desired[d.DriverID] = Marker{
			ID:       d.DriverID,
			Kind:     KindDriver,
			Position: LatLng{Lat: d.Latitude, Lng: d.Longitude},
			Label:    d.Label(),
			Speed:    d.Speed,
		}
	}
	if len(desired) == 0 {
		desired[CampusMarkerID] = Marker{ID: CampusMarkerID, Kind: KindCampus, Position: CampusCenter, Label: "Campus Center"}
	}

	for _, id := range sortedKeys(r.markers) {
		if _, keep := desired[id]; !keep {
			r.surface.RemoveMarker(r.markers[id])
			delete(r.markers, id)
		}
	}
	for _, id := range sortedKeys(desired) {
		want := desired[id]
		existing, ok := r.markers[id]
		if !ok {
			m := want
			r.markers[id] = &m
			r.surface.AddMarker(&m)
			continue
		}
		if existing.Position != want.Position || existing.Label != want.Label || existing.Speed != want.Speed {
			existing.Position = want.Position
			existing.Label = want.Label
			existing.Speed = want.Speed
			r.surface.MoveMarker(existing)
		}
	}

	r.follow(self, drivers)
}

func (r *Renderer) follow(self *LatLng, drivers []presence.Record) {
	switch {
	case self != nil:
		if r.lastSelf == nil || *r.lastSelf != *self {
			r.flyTo(Viewport{Center: *self, Zoom: SelfZoom})
		}
		pos := *self
		r.lastSelf = &pos
	case !r.started:
		center := CampusCenter
		if len(drivers) > 0 {
			center = LatLng{Lat: drivers[0].Latitude, Lng: drivers[0].Longitude}
		}
		r.flyTo(Viewport{Center: center, Zoom: FleetZoom})
		r.lastSelf = nil
	default:
		r.lastSelf = nil
	}
	r.started = true
}

func (r *Renderer) flyTo(v Viewport) {
	r.view = v
	r.surface.FlyTo(v)
}

// Pan records a user pan. It holds until the self location changes.
func (r *Renderer) Pan(center LatLng) {
	r.view.Center = center
}

// SetZoom records a user zoom.
func (r *Renderer) SetZoom(zoom float64) {
	r.view.Zoom = zoom
}

// Viewport returns the current viewport.
func (r *Renderer) Viewport() Viewport {
	return r.view
}

// Marker returns the marker with the given id.
func (r *Renderer) Marker(id string) (*Marker, bool) {
	m, ok := r.markers[id]
	return m, ok
}

// Markers returns the markers ordered by id.
func (r *Renderer) Markers() []*Marker {
	out := make([]*Marker, 0, len(r.markers))
	for _, id := range sortedKeys(r.markers) {
		out = append(out, r.markers[id])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
