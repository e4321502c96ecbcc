package feedstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/collabhub/activity/infrastructure/rowstore"
	"github.com/collabhub/activity/internal/activity/model"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(rowstore.New(sqlx.NewDb(db, "postgres")), time.Hour), mock
}

func TestAppendEncodesActivityJSON(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	activity := model.Activity{ActivityID: "1000:abc", ActivityType: "content-share", Verb: "share", PublishedMillis: 1000}
	encoded, err := json.Marshal(activity)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO activity_streams`).
		WithArgs("u1#activity", "1000:abc", encoded, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.Append(ctx, "u1#activity", []model.Activity{activity}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendEmptyIsNoop(t *testing.T) {
	s, mock := newTestStore(t)
	if err := s.Append(context.Background(), "u1#activity", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPageDecodesActivities(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	a1, _ := json.Marshal(model.Activity{ActivityID: "1002:b", Verb: "share"})
	a2, _ := json.Marshal(model.Activity{ActivityID: "1001:a", Verb: "comment"})

	rows := sqlmock.NewRows([]string{"activity_stream_id", "activity_id", "activity", "expires_at"}).
		AddRow("u1#activity", "1002:b", a1, time.Now().Add(time.Hour)).
		AddRow("u1#activity", "1001:a", a2, time.Now().Add(time.Hour))

	mock.ExpectQuery(`SELECT (.+) FROM activity_streams`).
		WithArgs("u1#activity").
		WillReturnRows(rows)

	activities, next, err := s.Page(ctx, "u1#activity", "", 10)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	if next != "" {
		t.Fatalf("Page() nextToken = %q, want empty (fewer rows than limit)", next)
	}
	if len(activities) != 2 || activities[0].Verb != "share" || activities[1].Verb != "comment" {
		t.Fatalf("Page() = %+v", activities)
	}
}

func TestDeleteAndClear(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec(`DELETE FROM activity_streams WHERE activity_stream_id = \$1 AND activity_id IN \(.+\)`).
		WithArgs("u1#activity", "1000:a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.Delete(ctx, "u1#activity", []string{"1000:a"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	mock.ExpectExec(`DELETE FROM activity_streams WHERE activity_stream_id = \$1`).
		WithArgs("u1#activity").
		WillReturnResult(sqlmock.NewResult(0, 3))
	if err := s.Clear(ctx, "u1#activity"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
