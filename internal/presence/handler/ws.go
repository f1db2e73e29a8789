package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/campustrack/internal/auth"
	"github.com/example/campustrack/internal/mapview"
	"github.com/example/campustrack/internal/presence"
	"github.com/example/campustrack/internal/presence/feed"
)

const (
	modeSnapshot = "snapshot"
	modeMarkers  = "markers"

	writeWait = 10 * time.Second
)

var wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "presence_ws_connections",
	Help: "Open live feed websocket connections.",
})

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type snapshotFrame struct {
	Type    string            `json:"type"`
	Drivers []presence.Record `json:"drivers"`
}

type markersFrame struct {
	Type     string           `json:"type"`
	Ops      []mapview.Op     `json:"ops"`
	Viewport mapview.Viewport `json:"viewport"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	// Terminal is set when the feed has stopped; the server closes the
	// connection right after this frame.
	Terminal bool `json:"terminal,omitempty"`
}

// clientMessage carries viewport changes made by the user in markers mode.
type clientMessage struct {
	Type string  `json:"type"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Zoom float64 `json:"zoom"`
}

// socket serialises writes to one websocket connection.
type socket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socket) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// close sends a close frame and closes the connection.
func (s *socket) close(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	_ = s.conn.Close()
}

// markerView is the per-connection renderer used in markers mode.
type markerView struct {
	mu       sync.Mutex
	renderer *mapview.Renderer
	ops      *mapview.OpBuffer
	selfID   string
}

func newMarkerView(selfID string) *markerView {
	buf := &mapview.OpBuffer{}
	return &markerView{
		renderer: mapview.New(buf, mapview.Options{SelfDriverID: selfID}),
		ops:      buf,
		selfID:   selfID,
	}
}

func (v *markerView) render(drivers []presence.Record) markersFrame {
	v.mu.Lock()
	defer v.mu.Unlock()
	var self *mapview.LatLng
	if v.selfID != "" {
		for _, d := range drivers {
			if d.DriverID == v.selfID {
				self = &mapview.LatLng{Lat: d.Latitude, Lng: d.Longitude}
				break
			}
		}
	}
	v.renderer.Render(self, drivers)
	return markersFrame{Type: modeMarkers, Ops: v.ops.Drain(), Viewport: v.renderer.Viewport()}
}

func (v *markerView) apply(msg clientMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch msg.Type {
	case "pan":
		v.renderer.Pan(mapview.LatLng{Lat: msg.Lat, Lng: msg.Lng})
	case "zoom":
		v.renderer.SetZoom(msg.Zoom)
	}
}

// driversSocket streams the live active set to one viewer. Each connection
// owns an independent feed subscription that ends when the client goes away.
func (h *HTTP) driversSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = modeSnapshot
	}
	if mode != modeSnapshot && mode != modeMarkers {
		http.Error(w, "unknown mode", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	wsConnections.Inc()
	defer wsConnections.Dec()

	var view *markerView
	if mode == modeMarkers {
		selfID := ""
		if claims.Role == auth.RoleDriver && r.URL.Query().Get("self") == "1" {
			selfID = claims.UserID()
		}
		view = newMarkerView(selfID)
	}

	logger := h.logger.With(zap.String("user_id", claims.UserID()), zap.String("mode", mode))
	s := &socket{conn: conn}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	onUpdate := func(drivers []presence.Record) {
		if drivers == nil {
			drivers = []presence.Record{}
		}
		var frame any = snapshotFrame{Type: modeSnapshot, Drivers: drivers}
		if view != nil {
			mf := view.render(drivers)
			if len(mf.Ops) == 0 {
				return
			}
			frame = mf
		}
		if err := s.send(frame); err != nil {
			logger.Debug("websocket write failed", zap.Error(err))
			_ = conn.Close()
		}
	}
	onError := func(err error) {
		logger.Warn("live feed error", zap.Error(err))
		terminal := errors.Is(err, feed.ErrSubscriptionEnded)
		_ = s.send(errorFrame{Type: "error", Error: err.Error(), Terminal: terminal})
		if terminal {
			s.close(websocket.CloseTryAgainLater, "live feed ended")
		}
	}
	unsubscribe := h.feed.SubscribeContext(ctx, onUpdate, onError)
	defer unsubscribe()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if view == nil {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		view.apply(msg)
	}
}
