package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolationCode is the Postgres SQLSTATE for a unique constraint
// violation.
const uniqueViolationCode = "23505"

// Member is one of the named identities a user has configured.
type Member struct {
	UserID       string
	Name         string
	DisplayName  *string
	Avatar       *string
	Activators   []string
	TrackAccount bool
}

// Profile is the upstream account profile used to refresh tracking members.
type Profile struct {
	DisplayName string
	Avatar      string
}

// PrimaryStore is every mutating/primary-database operation the resolver,
// coordinator, proxy, and chat bot depend on. Defined as an interface at
// the consumer so tests can substitute a fake without touching pgx.
type PrimaryStore interface {
	EnsureUser(ctx context.Context, userID string) (created bool, err error)
	CreateMember(ctx context.Context, userID, name string) error
	RemoveMember(ctx context.Context, userID, name string) error
	RenameMember(ctx context.Context, userID, oldName, newName string) error
	SetDisplayName(ctx context.Context, userID, name, displayName string) error
	ClearDisplayName(ctx context.Context, userID, name string) error
	SetAvatar(ctx context.Context, userID, name, avatar string) error
	ClearAvatar(ctx context.Context, userID, name string) error
	AddActivator(ctx context.Context, userID, name, activator string) error
	RemoveActivator(ctx context.Context, userID, name, activator string) error
	MemberExists(ctx context.Context, userID, name string) (bool, error)
	GetMember(ctx context.Context, userID, name string) (*Member, error)
	ListMembers(ctx context.Context, userID string) ([]*Member, error)
	SetCurrentFronter(ctx context.Context, userID string, name *string) error
	GetCurrentFronter(ctx context.Context, userID string) (*Member, error)
	SetFronterFromActivator(ctx context.Context, userID, activator string) (name *string, err error)
	ToggleTracking(ctx context.Context, userID, name string) (newState bool, err error)
	UpdateTrackingMembers(ctx context.Context, userID string, profile Profile) error
	IgnoreRoom(ctx context.Context, userID, roomID string) error
	UnignoreRoom(ctx context.Context, userID, roomID string) error
	IsRoomIgnored(ctx context.Context, userID, roomID string) (bool, error)
	ListIgnored(ctx context.Context, userID string) ([]string, error)
	ReadMsg(ctx context.Context, roomID, eventID string) (alreadySeen bool, err error)
	Ping(ctx context.Context) error
}

// querier is satisfied by both *pgxpool.Pool and a pgxmock connection,
// letting tests substitute a mock without a pool.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgPrimaryStore implements PrimaryStore against a Postgres-compatible
// database via pgx, matching the table layout in the primary database
// interface: users(mxid, current_fronter), members(mxid, name,
// display_name, avatar, activators, track_account), ignored_rooms(mxid,
// room_id), read_msgs(room_id, event_id).
type PgPrimaryStore struct {
	db querier
	// pool is kept separately from db so Ping can reach the real
	// pool even when db is a querier-narrowed view of it.
	pool *pgxpool.Pool
}

// NewPgPrimaryStore wraps an already-connected pool.
func NewPgPrimaryStore(pool *pgxpool.Pool) *PgPrimaryStore {
	return &PgPrimaryStore{db: pool, pool: pool}
}

// Ping confirms the pool can reach the database.
func (s *PgPrimaryStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func (s *PgPrimaryStore) EnsureUser(ctx context.Context, userID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `INSERT INTO users (mxid) VALUES ($1) ON CONFLICT DO NOTHING`, userID)
	if err != nil {
		return false, newError("EnsureUser", Backend, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgPrimaryStore) CreateMember(ctx context.Context, userID, name string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO members (mxid, name, activators, track_account) VALUES ($1, $2, '{}', false)`,
		userID, name)
	if err != nil {
		if isUniqueViolation(err) {
			return newError("CreateMember", UniqueViolation, err)
		}
		return newError("CreateMember", Backend, err)
	}
	return nil
}

func (s *PgPrimaryStore) RemoveMember(ctx context.Context, userID, name string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE users SET current_fronter = NULL WHERE mxid = $1 AND current_fronter = $2`,
		userID, name)
	if err != nil {
		return newError("RemoveMember", Backend, err)
	}
	_, err = s.db.Exec(ctx, `DELETE FROM members WHERE mxid = $1 AND name = $2`, userID, name)
	if err != nil {
		return newError("RemoveMember", Backend, err)
	}
	return nil
}

func (s *PgPrimaryStore) RenameMember(ctx context.Context, userID, oldName, newName string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE members SET name = $3 WHERE mxid = $1 AND name = $2`,
		userID, oldName, newName)
	if err != nil {
		if isUniqueViolation(err) {
			return newError("RenameMember", UniqueViolation, err)
		}
		return newError("RenameMember", Backend, err)
	}
	_, err = s.db.Exec(ctx,
		`UPDATE users SET current_fronter = $3 WHERE mxid = $1 AND current_fronter = $2`,
		userID, oldName, newName)
	if err != nil {
		return newError("RenameMember", Backend, err)
	}
	return nil
}

func (s *PgPrimaryStore) SetDisplayName(ctx context.Context, userID, name, displayName string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE members SET display_name = $3 WHERE mxid = $1 AND name = $2`,
		userID, name, displayName)
	if err != nil {
		return newError("SetDisplayName", Backend, err)
	}
	return nil
}

func (s *PgPrimaryStore) ClearDisplayName(ctx context.Context, userID, name string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE members SET display_name = NULL WHERE mxid = $1 AND name = $2`,
		userID, name)
	if err != nil {
		return newError("ClearDisplayName", Backend, err)
	}
	return nil
}

func (s *PgPrimaryStore) SetAvatar(ctx context.Context, userID, name, avatar string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE members SET avatar = $3 WHERE mxid = $1 AND name = $2`,
		userID, name, avatar)
	if err != nil {
		return newError("SetAvatar", Backend, err)
	}
	return nil
}

func (s *PgPrimaryStore) ClearAvatar(ctx context.Context, userID, name string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE members SET avatar = NULL WHERE mxid = $1 AND name = $2`,
		userID, name)
	if err != nil {
		return newError("ClearAvatar", Backend, err)
	}
	return nil
}

func (s *PgPrimaryStore) AddActivator(ctx context.Context, userID, name, activator string) error {
	activator = strings.ToLower(activator)
	_, err := s.db.Exec(ctx,
		`UPDATE members SET activators = array_append(activators, $3)
		 WHERE mxid = $1 AND name = $2 AND NOT ($3 = ANY(activators))`,
		userID, name, activator)
	if err != nil {
		return newError("AddActivator", Backend, err)
	}
	return nil
}

func (s *PgPrimaryStore) RemoveActivator(ctx context.Context, userID, name, activator string) error {
	activator = strings.ToLower(activator)
	_, err := s.db.Exec(ctx,
		`UPDATE members SET activators = array_remove(activators, $3) WHERE mxid = $1 AND name = $2`,
		userID, name, activator)
	if err != nil {
		return newError("RemoveActivator", Backend, err)
	}
	return nil
}

func (s *PgPrimaryStore) MemberExists(ctx context.Context, userID, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM members WHERE mxid = $1 AND name = $2)`,
		userID, name).Scan(&exists)
	if err != nil {
		return false, newError("MemberExists", Backend, err)
	}
	return exists, nil
}

func (s *PgPrimaryStore) GetMember(ctx context.Context, userID, name string) (*Member, error) {
	m := &Member{UserID: userID, Name: name}
	err := s.db.QueryRow(ctx,
		`SELECT display_name, avatar, activators, track_account FROM members WHERE mxid = $1 AND name = $2`,
		userID, name).Scan(&m.DisplayName, &m.Avatar, &m.Activators, &m.TrackAccount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError("GetMember", NotFound, err)
		}
		return nil, newError("GetMember", Backend, err)
	}
	return m, nil
}

func (s *PgPrimaryStore) ListMembers(ctx context.Context, userID string) ([]*Member, error) {
	rows, err := s.db.Query(ctx,
		`SELECT name, display_name, avatar, activators, track_account FROM members WHERE mxid = $1 ORDER BY name`,
		userID)
	if err != nil {
		return nil, newError("ListMembers", Backend, err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m := &Member{UserID: userID}
		if err := rows.Scan(&m.Name, &m.DisplayName, &m.Avatar, &m.Activators, &m.TrackAccount); err != nil {
			return nil, newError("ListMembers", Backend, err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("ListMembers", Backend, err)
	}
	return members, nil
}

func (s *PgPrimaryStore) SetCurrentFronter(ctx context.Context, userID string, name *string) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET current_fronter = $2 WHERE mxid = $1`, userID, name)
	if err != nil {
		return newError("SetCurrentFronter", Backend, err)
	}
	return nil
}

func (s *PgPrimaryStore) GetCurrentFronter(ctx context.Context, userID string) (*Member, error) {
	m := &Member{UserID: userID}
	err := s.db.QueryRow(ctx, `
		SELECT m.name, m.display_name, m.avatar, m.activators, m.track_account
		FROM users u JOIN members m ON m.mxid = u.mxid AND m.name = u.current_fronter
		WHERE u.mxid = $1`, userID).
		Scan(&m.Name, &m.DisplayName, &m.Avatar, &m.Activators, &m.TrackAccount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError("GetCurrentFronter", NotFound, err)
		}
		return nil, newError("GetCurrentFronter", Backend, err)
	}
	return m, nil
}

// SetFronterFromActivator finds the member whose activators array contains
// the lowercased activator, sets it as the current fronter, and returns its
// name. Collisions across members are allowed; ORDER BY name makes the
// first match deterministic, matching the source's unspecified
// first-row-wins behavior.
func (s *PgPrimaryStore) SetFronterFromActivator(ctx context.Context, userID, activator string) (*string, error) {
	activator = strings.ToLower(activator)
	var name string
	err := s.db.QueryRow(ctx, `
		SELECT name FROM members
		WHERE mxid = $1 AND $2 = ANY(activators)
		ORDER BY name LIMIT 1`, userID, activator).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, newError("SetFronterFromActivator", Backend, err)
	}

	if err := s.SetCurrentFronter(ctx, userID, &name); err != nil {
		return nil, err
	}
	return &name, nil
}

func (s *PgPrimaryStore) ToggleTracking(ctx context.Context, userID, name string) (bool, error) {
	var newState bool
	err := s.db.QueryRow(ctx, `
		UPDATE members SET track_account = NOT track_account
		WHERE mxid = $1 AND name = $2
		RETURNING track_account`, userID, name).Scan(&newState)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, newError("ToggleTracking", NotFound, err)
		}
		return false, newError("ToggleTracking", Backend, err)
	}
	return newState, nil
}

func (s *PgPrimaryStore) UpdateTrackingMembers(ctx context.Context, userID string, profile Profile) error {
	_, err := s.db.Exec(ctx, `
		UPDATE members SET display_name = $2, avatar = $3
		WHERE mxid = $1 AND track_account = true`,
		userID, profile.DisplayName, profile.Avatar)
	if err != nil {
		return newError("UpdateTrackingMembers", Backend, err)
	}
	return nil
}

func (s *PgPrimaryStore) IgnoreRoom(ctx context.Context, userID, roomID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO ignored_rooms (mxid, room_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, roomID)
	if err != nil {
		return newError("IgnoreRoom", Backend, err)
	}
	return nil
}

func (s *PgPrimaryStore) UnignoreRoom(ctx context.Context, userID, roomID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM ignored_rooms WHERE mxid = $1 AND room_id = $2`,
		userID, roomID)
	if err != nil {
		return newError("UnignoreRoom", Backend, err)
	}
	return nil
}

func (s *PgPrimaryStore) IsRoomIgnored(ctx context.Context, userID, roomID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ignored_rooms WHERE mxid = $1 AND room_id = $2)`,
		userID, roomID).Scan(&exists)
	if err != nil {
		return false, newError("IsRoomIgnored", Backend, err)
	}
	return exists, nil
}

func (s *PgPrimaryStore) ListIgnored(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT room_id FROM ignored_rooms WHERE mxid = $1 ORDER BY room_id`, userID)
	if err != nil {
		return nil, newError("ListIgnored", Backend, err)
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, newError("ListIgnored", Backend, err)
		}
		rooms = append(rooms, roomID)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("ListIgnored", Backend, err)
	}
	return rooms, nil
}

// ReadMsg upserts the last-seen event id for a room and reports whether
// this (room_id, event_id) pair had already been recorded, giving
// at-most-once command dedup. The update is skipped (no row returned) only
// when the stored event_id already matches; a first-ever event in the room
// or a newer event than what's stored both write through normally.
func (s *PgPrimaryStore) ReadMsg(ctx context.Context, roomID, eventID string) (bool, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		INSERT INTO read_msgs (room_id, event_id) VALUES ($1, $2)
		ON CONFLICT (room_id) DO UPDATE SET event_id = EXCLUDED.event_id
		WHERE read_msgs.event_id IS DISTINCT FROM EXCLUDED.event_id
		RETURNING read_msgs.event_id`,
		roomID, eventID).Scan(&id)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	return false, newError("ReadMsg", Backend, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}
