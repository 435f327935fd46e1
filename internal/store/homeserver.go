package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// defaultAccessTokenQuery resolves a Matrix access token to its owning user
// id against a stock Synapse `access_tokens` table.
const defaultAccessTokenQuery = `SELECT user_id FROM access_tokens WHERE token = $1`

// defaultProfileQuery reads a user's account profile from Synapse's
// `profiles` table, keyed by full user id.
const defaultProfileQuery = `SELECT displayname, avatar_url FROM profiles WHERE user_id = $1`

// defaultRoomAliasQuery resolves a room alias to its canonical room id via
// Synapse's `room_aliases` table.
const defaultRoomAliasQuery = `SELECT room_id FROM room_aliases WHERE room_alias = $1`

// AccountProfile is the upstream account profile as Synapse knows it,
// with null columns normalized to empty strings.
type AccountProfile struct {
	DisplayName string
	AvatarURL   string
}

// HomeserverStore is read-only access to the homeserver's own database.
// The relay never writes to it.
type HomeserverStore interface {
	ResolveAccessToken(ctx context.Context, token string) (userID string, err error)
	GetProfile(ctx context.Context, userID string) (*AccountProfile, error)
	ResolveRoomAlias(ctx context.Context, alias string) (roomID string, err error)
	Ping(ctx context.Context) error
}

// PgHomeserverStore implements HomeserverStore against Synapse's database.
// Queries are configurable since self-hosted deployments sometimes run
// forks with a modified schema.
type PgHomeserverStore struct {
	db               querier
	pool             *pgxpool.Pool
	accessTokenQuery string
	profileQuery     string
	roomAliasQuery   string
}

// NewPgHomeserverStore wraps an already-connected pool. Empty query
// strings fall back to the stock Synapse schema.
func NewPgHomeserverStore(pool *pgxpool.Pool, accessTokenQuery, profileQuery, roomAliasQuery string) *PgHomeserverStore {
	s := &PgHomeserverStore{
		db:               pool,
		pool:             pool,
		accessTokenQuery: accessTokenQuery,
		profileQuery:     profileQuery,
		roomAliasQuery:   roomAliasQuery,
	}
	if s.accessTokenQuery == "" {
		s.accessTokenQuery = defaultAccessTokenQuery
	}
	if s.profileQuery == "" {
		s.profileQuery = defaultProfileQuery
	}
	if s.roomAliasQuery == "" {
		s.roomAliasQuery = defaultRoomAliasQuery
	}
	return s
}

// Ping confirms the pool can reach the homeserver database.
func (s *PgHomeserverStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func (s *PgHomeserverStore) ResolveAccessToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRow(ctx, s.accessTokenQuery, token).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", newError("ResolveAccessToken", NotFound, err)
		}
		return "", newError("ResolveAccessToken", Backend, err)
	}
	return userID, nil
}

func (s *PgHomeserverStore) GetProfile(ctx context.Context, userID string) (*AccountProfile, error) {
	var displayName, avatarURL *string
	err := s.db.QueryRow(ctx, s.profileQuery, userID).Scan(&displayName, &avatarURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError("GetProfile", NotFound, err)
		}
		return nil, newError("GetProfile", Backend, err)
	}
	p := &AccountProfile{}
	if displayName != nil {
		p.DisplayName = *displayName
	}
	if avatarURL != nil {
		p.AvatarURL = *avatarURL
	}
	return p, nil
}

func (s *PgHomeserverStore) ResolveRoomAlias(ctx context.Context, alias string) (string, error) {
	var roomID string
	err := s.db.QueryRow(ctx, s.roomAliasQuery, alias).Scan(&roomID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", newError("ResolveRoomAlias", NotFound, err)
		}
		return "", newError("ResolveRoomAlias", Backend, err)
	}
	return roomID, nil
}
