package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSource reads fixes published by an on-board GPS unit.
type MQTTSource struct {
	Client mqtt.Client
	Topic  string
	QoS    byte
}

type telemetry struct {
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Speed     *float64 `json:"speed"`
	Accuracy  float64  `json:"accuracy"`
	Timestamp int64    `json:"timestamp"`
	Error     string   `json:"error"`
}

// Watch subscribes to the telemetry topic until ctx is done. Retained
// messages are cached fixes and are dropped when MaximumAge is zero.
func (s *MQTTSource) Watch(ctx context.Context, opts Options, emit func(Fix), fail func(error)) error {
	if s.Client == nil || !s.Client.IsConnected() {
		return fmt.Errorf("%w: mqtt client not connected", ErrUnsupported)
	}
	if s.Topic == "" {
		return fmt.Errorf("%w: no telemetry topic", ErrUnsupported)
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		if msg.Retained() && opts.MaximumAge == 0 {
			return
		}
		fix, err := DecodeTelemetry(msg.Payload())
		if err != nil {
			fail(err)
			return
		}
		emit(fix)
	}
	token := s.Client.Subscribe(s.Topic, s.QoS, handler)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.Topic, err)
	}

	<-ctx.Done()
	s.Client.Unsubscribe(s.Topic).WaitTimeout(time.Second)
	return nil
}

// DecodeTelemetry parses a GPS unit message. Units report positioning
// failures in the error field instead of coordinates.
func DecodeTelemetry(payload []byte) (Fix, error) {
	var t telemetry
	if err := json.Unmarshal(payload, &t); err != nil {
		return Fix{}, fmt.Errorf("decode telemetry: %w", err)
	}
	switch t.Error {
	case "":
	case "permission_denied":
		return Fix{}, ErrPermissionDenied
	case "timeout":
		return Fix{}, ErrTimeout
	default:
		return Fix{}, fmt.Errorf("device error: %s", t.Error)
	}

	lat, lng := t.Lat, t.Lng
	if lat == nil || lng == nil {
		lat, lng = t.Latitude, t.Longitude
	}
	if lat == nil || lng == nil {
		return Fix{}, errors.New("telemetry has no coordinates")
	}
	fix := Fix{Lat: *lat, Lng: *lng, Speed: math.NaN(), Accuracy: t.Accuracy}
	if t.Speed != nil {
		fix.Speed = *t.Speed
	}
	if t.Timestamp > 0 {
		fix.Timestamp = time.UnixMilli(t.Timestamp)
	}
	return fix, nil
}
