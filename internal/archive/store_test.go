package archive

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordRequested(t *testing.T) {
	store, mock := newMockStore(t)
	requestedAt := time.UnixMilli(1700000000000)

	mock.ExpectExec("INSERT INTO chat_conversations").
		WithArgs("s1", "Ana", "Ventas", StatusQueued, requestedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.RecordRequested(context.Background(), "s1", "Ana", "Ventas", requestedAt); err != nil {
		t.Fatalf("RecordRequested failed: %v", err)
	}
	expectMet(t, mock)
}

func TestRecordRequestedIgnoresReplay(t *testing.T) {
	store, mock := newMockStore(t)
	requestedAt := time.UnixMilli(1700000000000)

	// A replayed event hits ON CONFLICT DO NOTHING: zero rows, no error.
	mock.ExpectExec("INSERT INTO chat_conversations").
		WithArgs("s1", "Ana", "Ventas", StatusQueued, requestedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.RecordRequested(context.Background(), "s1", "Ana", "Ventas", requestedAt); err != nil {
		t.Fatalf("replayed RecordRequested must not error: %v", err)
	}
	expectMet(t, mock)
}

func TestRecordExpiredGuardsOnQueuedStatus(t *testing.T) {
	store, mock := newMockStore(t)
	expiredAt := time.UnixMilli(1700000001000)

	// The status guard keeps an expiry event from clobbering a conversation
	// that was already accepted.
	mock.ExpectExec("UPDATE chat_conversations").
		WithArgs("s1", StatusExpired, expiredAt, StatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.RecordExpired(context.Background(), "s1", expiredAt); err != nil {
		t.Fatalf("RecordExpired failed: %v", err)
	}
	expectMet(t, mock)
}

func TestAppendMessage(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE chat_conversations").
		WithArgs("s1", []byte(`[{"user":"Ana","text":"hola","timestamp":42}]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := TranscriptEntry{User: "Ana", Text: "hola", Timestamp: 42}
	if err := store.AppendMessage(context.Background(), "s1", entry); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	expectMet(t, mock)
}

func TestTranscript(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"messages"}).
		AddRow([]byte(`[{"user":"Ana","text":"hola","timestamp":1},{"user":"Luis","text":"buenas","timestamp":2}]`))
	mock.ExpectQuery("SELECT messages").
		WithArgs("s1").
		WillReturnRows(rows)

	transcript, err := store.Transcript(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	if len(transcript) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(transcript))
	}
	if transcript[0].User != "Ana" || transcript[0].Text != "hola" || transcript[0].Timestamp != 1 {
		t.Errorf("unexpected first entry: %+v", transcript[0])
	}
	if transcript[1].User != "Luis" || transcript[1].Timestamp != 2 {
		t.Errorf("unexpected second entry: %+v", transcript[1])
	}
	expectMet(t, mock)
}

func TestTranscriptMissingConversation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT messages").
		WithArgs("unknown").
		WillReturnError(sql.ErrNoRows)

	transcript, err := store.Transcript(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("missing conversation must not error: %v", err)
	}
	if transcript != nil {
		t.Errorf("expected nil transcript, got %+v", transcript)
	}
	expectMet(t, mock)
}
