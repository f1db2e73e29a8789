package history_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/example/campustrack/internal/auth"
	"github.com/example/campustrack/internal/history"
	"github.com/example/campustrack/internal/presence"
)

var (
	insertHistory = regexp.QuoteMeta(`INSERT INTO location_history`)
	insertOutbox  = regexp.QuoteMeta(`INSERT INTO outbox`)
)

func event() presence.Event {
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	return presence.Event{
		ID:   "evt-1",
		Type: presence.EventLocationUpdated,
		Record: presence.Record{
			DriverID: "driver123", Latitude: 12.9716, Longitude: 77.5946, Speed: 4, IsActive: true, LastUpdated: at,
		},
		CreatedAt: at,
	}
}

func TestPublishWritesHistoryAndOutboxInOneTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := event()
	mock.ExpectBegin()
	mock.ExpectExec(insertHistory).
		WithArgs("evt-1", "DriverLocationUpdated", "driver123", 12.9716, 77.5946, 4.0, true, e.Record.LastUpdated).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insertOutbox).
		WithArgs("presence.events", "DriverLocationUpdated", sqlmock.AnyArg(), e.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, history.New(db, "").Publish(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishRollsBackWhenOutboxFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(insertHistory).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insertOutbox).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = history.New(db, "").Publish(context.Background(), event())
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS location_history`,
		`CREATE INDEX IF NOT EXISTS location_history_driver_idx`,
		`CREATE TABLE IF NOT EXISTS outbox`,
		`CREATE INDEX IF NOT EXISTS outbox_unpublished_idx`,
	} {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, history.New(db, "").EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentOverHTTP(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM location_history WHERE driver_id = $1`)).
		WithArgs("driver123", 2).
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "driver_id", "latitude", "longitude", "speed", "is_active", "recorded_at"}).
			AddRow("DriverWentOffline", "driver123", 12.97, 77.59, 0.0, false, at).
			AddRow("DriverLocationUpdated", "driver123", 12.97, 77.59, 3.0, true, at.Add(-time.Minute)))

	r := chi.NewRouter()
	history.NewHTTP(history.New(db, ""), "history-secret", nil).Register(r)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role:             auth.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("history-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/drivers/driver123/history?limit=2", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"count":2`)
	require.NoError(t, mock.ExpectationsWereMet())

	req = httptest.NewRequest(http.MethodGet, "/admin/drivers/driver123/history", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
