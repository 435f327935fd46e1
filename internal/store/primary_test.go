package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPrimary(t *testing.T) (*PgPrimaryStore, pgxmock.PgxPoolIface) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PgPrimaryStore{db: mock}, mock
}

func TestEnsureUser(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		s, mock := newMockPrimary(t)
		mock.ExpectExec("INSERT INTO users").
			WithArgs("@alice:example.org").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		created, err := s.EnsureUser(context.Background(), "@alice:example.org")
		require.NoError(t, err)
		assert.True(t, created)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already exists", func(t *testing.T) {
		s, mock := newMockPrimary(t)
		mock.ExpectExec("INSERT INTO users").
			WithArgs("@alice:example.org").
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		created, err := s.EnsureUser(context.Background(), "@alice:example.org")
		require.NoError(t, err)
		assert.False(t, created)
	})
}

func TestCreateMember_UniqueViolation(t *testing.T) {
	s, mock := newMockPrimary(t)
	mock.ExpectExec("INSERT INTO members").
		WithArgs("@alice:example.org", "Sam").
		WillReturnError(&pgconn.PgError{Code: uniqueViolationCode})

	err := s.CreateMember(context.Background(), "@alice:example.org", "Sam")
	require.Error(t, err)
	assert.True(t, IsKind(err, UniqueViolation))
}

func TestCreateMember_OK(t *testing.T) {
	s, mock := newMockPrimary(t)
	mock.ExpectExec("INSERT INTO members").
		WithArgs("@alice:example.org", "Sam").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.CreateMember(context.Background(), "@alice:example.org", "Sam")
	require.NoError(t, err)
}

func TestRemoveMember_ClearsMatchingFronter(t *testing.T) {
	s, mock := newMockPrimary(t)
	mock.ExpectExec("UPDATE users SET current_fronter = NULL").
		WithArgs("@alice:example.org", "Sam").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM members").
		WithArgs("@alice:example.org", "Sam").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	err := s.RemoveMember(context.Background(), "@alice:example.org", "Sam")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMember_NotFound(t *testing.T) {
	s, mock := newMockPrimary(t)
	mock.ExpectQuery("SELECT display_name, avatar, activators, track_account").
		WithArgs("@alice:example.org", "Ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetMember(context.Background(), "@alice:example.org", "Ghost")
	require.Error(t, err)
	assert.True(t, IsKind(err, NotFound))
}

func TestToggleTracking(t *testing.T) {
	s, mock := newMockPrimary(t)
	rows := pgxmock.NewRows([]string{"track_account"}).AddRow(true)
	mock.ExpectQuery("UPDATE members SET track_account = NOT track_account").
		WithArgs("@alice:example.org", "Sam").
		WillReturnRows(rows)

	newState, err := s.ToggleTracking(context.Background(), "@alice:example.org", "Sam")
	require.NoError(t, err)
	assert.True(t, newState)
}

func TestSetFronterFromActivator_NoMatch(t *testing.T) {
	s, mock := newMockPrimary(t)
	mock.ExpectQuery("SELECT name FROM members").
		WithArgs("@alice:example.org", "nobody").
		WillReturnError(pgx.ErrNoRows)

	name, err := s.SetFronterFromActivator(context.Background(), "@alice:example.org", "nobody")
	require.NoError(t, err)
	assert.Nil(t, name)
}

func TestSetFronterFromActivator_Match(t *testing.T) {
	s, mock := newMockPrimary(t)
	rows := pgxmock.NewRows([]string{"name"}).AddRow("Sam")
	mock.ExpectQuery("SELECT name FROM members").
		WithArgs("@alice:example.org", "sam").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE users SET current_fronter").
		WithArgs("@alice:example.org", "Sam").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	name, err := s.SetFronterFromActivator(context.Background(), "@alice:example.org", "SAM")
	require.NoError(t, err)
	require.NotNil(t, name)
	assert.Equal(t, "Sam", *name)
}

func TestIsRoomIgnored(t *testing.T) {
	s, mock := newMockPrimary(t)
	rows := pgxmock.NewRows([]string{"exists"}).AddRow(true)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("@alice:example.org", "!room:example.org").
		WillReturnRows(rows)

	ignored, err := s.IsRoomIgnored(context.Background(), "@alice:example.org", "!room:example.org")
	require.NoError(t, err)
	assert.True(t, ignored)
}

func TestReadMsg_FirstEventInRoomIsNotSeen(t *testing.T) {
	s, mock := newMockPrimary(t)
	rows := pgxmock.NewRows([]string{"event_id"}).AddRow("$event1")
	mock.ExpectQuery("INSERT INTO read_msgs").
		WithArgs("!room:example.org", "$event1").
		WillReturnRows(rows)

	seen, err := s.ReadMsg(context.Background(), "!room:example.org", "$event1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestReadMsg_SameEventAgainIsSeen(t *testing.T) {
	s, mock := newMockPrimary(t)
	// The WHERE clause skips the update when event_id already matches,
	// so the INSERT ... ON CONFLICT ... RETURNING produces no row.
	mock.ExpectQuery("INSERT INTO read_msgs").
		WithArgs("!room:example.org", "$event1").
		WillReturnError(pgx.ErrNoRows)

	seen, err := s.ReadMsg(context.Background(), "!room:example.org", "$event1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestReadMsg_DifferentLaterEventIsNotSeen(t *testing.T) {
	s, mock := newMockPrimary(t)
	rows := pgxmock.NewRows([]string{"event_id"}).AddRow("$event2")
	mock.ExpectQuery("INSERT INTO read_msgs").
		WithArgs("!room:example.org", "$event2").
		WillReturnRows(rows)

	seen, err := s.ReadMsg(context.Background(), "!room:example.org", "$event2")
	require.NoError(t, err)
	assert.False(t, seen)
}
