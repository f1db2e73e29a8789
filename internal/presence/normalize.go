package presence

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// coordinateVariants lists where writers have put coordinates, in lookup
// order. Nested variants are addressed with a dotted path.
var coordinateVariants = [][2]string{
	{"latitude", "longitude"},
	{"lat", "lng"},
	{"position.lat", "position.lng"},
	{"position.latitude", "position.longitude"},
	{"currentLocation.lat", "currentLocation.lng"},
	{"location.lat", "location.lng"},
}

var timestampFields = []string{FieldLastUpdated, "timestamp", "updatedAt"}

// ValidateCoordinates reports whether lat/lng are finite and in range.
func ValidateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return fmt.Errorf("%w: not finite", ErrInvalidCoordinates)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinates, lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinates, lng)
	}
	return nil
}

// Normalize maps a stored document onto the canonical record. The first
// coordinate variant that validates wins. Documents where no variant
// validates fail with ErrInvalidCoordinates.
func Normalize(doc Document) (Record, error) {
	lat, lng, err := coordinates(doc.Data)
	if err != nil {
		return Record{}, fmt.Errorf("document %q: %w", doc.ID, err)
	}

	rec := Record{
		DriverID:  doc.ID,
		Latitude:  lat,
		Longitude: lng,
	}
	if id, ok := doc.Data[FieldDriverID].(string); ok && id != "" {
		rec.DriverID = id
	}
	rec.DisplayName, _ = doc.Data[FieldDisplayName].(string)
	rec.Email, _ = doc.Data[FieldEmail].(string)
	rec.IsActive = toBool(doc.Data[FieldIsActive])

	if speed, ok := toFloat(doc.Data[FieldSpeed]); ok && speed > 0 && !math.IsInf(speed, 0) {
		rec.Speed = speed
	}
	for _, field := range timestampFields {
		if ts, ok := toTime(doc.Data[field]); ok {
			rec.LastUpdated = ts
			break
		}
	}
	return rec, nil
}

// NormalizeAll normalizes documents, dropping those that fail. The result is
// ordered by driver id.
func NormalizeAll(docs []Document) ([]Record, int) {
	records := make([]Record, 0, len(docs))
	dropped := 0
	for _, doc := range docs {
		rec, err := Normalize(doc)
		if err != nil {
			dropped++
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].DriverID < records[j].DriverID })
	return records, dropped
}

// Fields returns the canonical write shape of the record.
func Fields(rec Record) map[string]any {
	data := map[string]any{
		FieldDriverID:    rec.DriverID,
		FieldLatitude:    rec.Latitude,
		FieldLongitude:   rec.Longitude,
		FieldSpeed:       rec.Speed,
		FieldIsActive:    rec.IsActive,
		FieldLastUpdated: rec.LastUpdated.UTC().Format(time.RFC3339Nano),
	}
	if rec.DisplayName != "" {
		data[FieldDisplayName] = rec.DisplayName
	}
	if rec.Email != "" {
		data[FieldEmail] = rec.Email
	}
	return data
}

func coordinates(data map[string]any) (float64, float64, error) {
	var firstErr error
	for _, variant := range coordinateVariants {
		lat, latOK := toFloat(lookup(data, variant[0]))
		lng, lngOK := toFloat(lookup(data, variant[1]))
		if !latOK || !lngOK {
			continue
		}
		err := ValidateCoordinates(lat, lng)
		if err == nil {
			return lat, lng, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return 0, 0, firstErr
	}
	return 0, 0, fmt.Errorf("%w: no coordinate pair", ErrInvalidCoordinates)
}

func lookup(data map[string]any, path string) any {
	head, rest, nested := strings.Cut(path, ".")
	value, ok := data[head]
	if !ok {
		return nil
	}
	if !nested {
		return value
	}
	switch sub := value.(type) {
	case map[string]any:
		return lookup(sub, rest)
	case map[string]float64:
		if v, ok := sub[rest]; ok {
			return v
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	default:
		return false
	}
}

func toTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), !val.IsZero()
	case string:
		ts, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, false
		}
		return ts.UTC(), true
	default:
		ms, ok := toFloat(v)
		if !ok || ms <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(ms)).UTC(), true
	}
}
