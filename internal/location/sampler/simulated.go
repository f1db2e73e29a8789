package sampler

import (
	"context"
	"time"
)

// Waypoint is a point on a simulated route.
type Waypoint struct {
	Lat float64
	Lng float64
}

// CampusLoop is a short loop around the main campus gate.
var CampusLoop = []Waypoint{
	{Lat: 12.9716, Lng: 77.5946},
	{Lat: 12.9730, Lng: 77.5960},
	{Lat: 12.9745, Lng: 77.5948},
	{Lat: 12.9731, Lng: 77.5929},
}

// SimulatedSource drives a vehicle around a waypoint loop. It stands in for a
// real device on development machines.
type SimulatedSource struct {
	Route    []Waypoint
	Interval time.Duration
	// Steps is the number of fixes between consecutive waypoints.
	Steps int
	// Speed is reported with every fix, in metres per second.
	Speed float64
}

// Watch emits one interpolated fix per interval until ctx is done.
func (s *SimulatedSource) Watch(ctx context.Context, _ Options, emit func(Fix), _ func(error)) error {
	route := s.Route
	if len(route) == 0 {
		route = CampusLoop
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	steps := s.Steps
	if steps <= 0 {
		steps = 5
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	i := 0
	for {
		from := route[(i/steps)%len(route)]
		to := route[(i/steps+1)%len(route)]
		frac := float64(i%steps) / float64(steps)
		emit(Fix{
			Lat:       from.Lat + (to.Lat-from.Lat)*frac,
			Lng:       from.Lng + (to.Lng-from.Lng)*frac,
			Speed:     s.Speed,
			Accuracy:  5,
			Timestamp: time.Now(),
		})
		i++
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
