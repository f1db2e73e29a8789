package outbox_test

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/example/campustrack/internal/outbox"
)

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	attempts int
	sent     []*nats.Msg
}

func (f *fakePublisher) PublishMsg(msg *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return errors.New("nats unavailable")
	}
	f.sent = append(f.sent, msg)
	return nil
}

var selectPending = regexp.QuoteMeta(`SELECT id, topic, event_type, payload, created_at FROM outbox WHERE published = false`)

func pendingRows() *sqlmock.Rows {
	created := time.Now().Add(-time.Second)
	return sqlmock.NewRows([]string{"id", "topic", "event_type", "payload", "created_at"}).
		AddRow(int64(1), "presence.events", "DriverLocationUpdated", []byte(`{"id":"a"}`), created).
		AddRow(int64(2), "presence.events", "DriverWentOffline", []byte(`{"id":"b"}`), created)
}

func TestProcessOncePublishesAndMarksBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(selectPending).WithArgs(10).WillReturnRows(pendingRows())
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE outbox SET published = true WHERE id IN ($1,$2)`)).
		WithArgs(int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	pub := &fakePublisher{}
	worker := outbox.NewWorker(db, pub, nil, outbox.WorkerConfig{BatchSize: 10})
	n, err := worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Len(t, pub.sent, 2)
	require.Equal(t, "presence.events", pub.sent[0].Subject)
	require.Equal(t, []byte(`{"id":"a"}`), pub.sent[0].Data)
	require.Equal(t, "DriverWentOffline", pub.sent[1].Header.Get("x-event-type"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOnceRetriesThenSucceeds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(selectPending).WithArgs(100).WillReturnRows(
		sqlmock.NewRows([]string{"id", "topic", "event_type", "payload", "created_at"}).
			AddRow(int64(7), "presence.events", "DriverLocationUpdated", []byte(`{}`), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE outbox SET published = true WHERE id IN ($1)`)).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pub := &fakePublisher{failures: 2}
	worker := outbox.NewWorker(db, pub, nil, outbox.WorkerConfig{RetryMax: 3, Backoff: time.Millisecond})
	n, err := worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 3, pub.attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOnceRollsBackWhenPublishFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(selectPending).WithArgs(100).WillReturnRows(pendingRows())
	mock.ExpectRollback()

	pub := &fakePublisher{failures: 100}
	worker := outbox.NewWorker(db, pub, nil, outbox.WorkerConfig{RetryMax: 2, Backoff: time.Millisecond})
	n, err := worker.ProcessOnce(context.Background())
	require.Error(t, err)
	require.Zero(t, n)
	require.Equal(t, 2, pub.attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOnceEmptyBatchCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(selectPending).WithArgs(100).WillReturnRows(
		sqlmock.NewRows([]string{"id", "topic", "event_type", "payload", "created_at"}))
	mock.ExpectCommit()

	n, err := outbox.NewWorker(db, &fakePublisher{}, nil, outbox.WorkerConfig{}).ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Unix(100, 0).UTC()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO outbox (topic, event_type, payload, created_at)`)).
		WithArgs("presence.events", "DriverLocationUpdated", []byte(`{}`), at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, outbox.Enqueue(context.Background(), db, "presence.events", "DriverLocationUpdated", []byte(`{}`), at))
	require.Error(t, outbox.Enqueue(context.Background(), db, "", "x", nil, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRequiresCollaborators(t *testing.T) {
	worker := outbox.NewWorker(nil, nil, nil, outbox.WorkerConfig{})
	require.Error(t, worker.Run(context.Background()))
}
