// Package identity resolves an inbound access token and room id to either
// no rewrite or a rewrite carrying the fronter identity that should be
// reflected into the room's membership state before the send proceeds.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/Lunaphied/plural-kitty/internal/store"
)

// ErrSkip is never returned to a caller; it documents that an absent
// fronter, an ignored room, or an unresolvable token are Skip outcomes,
// not Resolve errors. Resolve never returns it.
var ErrSkip = errors.New("identity: skip")

// Decision is the outcome of a resolve: either skip (passthrough only) or
// rewrite to the given fronter for the given user.
type Decision struct {
	Rewrite bool
	UserID  string
	Fronter *store.Member
}

// PrimaryStore is the subset of the primary store the resolver depends on.
type PrimaryStore interface {
	IsRoomIgnored(ctx context.Context, userID, roomID string) (bool, error)
	GetCurrentFronter(ctx context.Context, userID string) (*store.Member, error)
}

// HomeserverStore is the subset of the homeserver store the resolver
// depends on.
type HomeserverStore interface {
	ResolveAccessToken(ctx context.Context, token string) (string, error)
}

// Resolver owns the access-token to user-id cache and the skip/rewrite
// decision logic. Safe for concurrent use; one Resolver is shared by every
// request goroutine.
type Resolver struct {
	primary     PrimaryStore
	homeserver  HomeserverStore
	mu          sync.RWMutex
	tokenToUser map[string]string
}

// New builds a Resolver with an empty token cache.
func New(primary PrimaryStore, homeserver HomeserverStore) *Resolver {
	return &Resolver{
		primary:     primary,
		homeserver:  homeserver,
		tokenToUser: make(map[string]string),
	}
}

// Resolve implements the algorithm: cache lookup (backfilled from the
// homeserver store on miss) → ignored-room check → current-fronter check.
// An unresolvable token, an ignored room, or the absence of a current
// fronter are all ordinary Skip outcomes, never errors — passthrough still
// has to happen either way.
func (r *Resolver) Resolve(ctx context.Context, token, roomID string) (Decision, error) {
	userID, ok := r.lookupCached(token)
	if !ok {
		resolved, err := r.homeserver.ResolveAccessToken(ctx, token)
		if err != nil {
			if store.IsKind(err, store.NotFound) {
				return Decision{}, nil
			}
			return Decision{}, err
		}
		userID = resolved
		r.insertCached(token, userID)
	}

	ignored, err := r.primary.IsRoomIgnored(ctx, userID, roomID)
	if err != nil {
		return Decision{}, err
	}
	if ignored {
		return Decision{}, nil
	}

	fronter, err := r.primary.GetCurrentFronter(ctx, userID)
	if err != nil {
		if store.IsKind(err, store.NotFound) {
			return Decision{}, nil
		}
		return Decision{}, err
	}

	return Decision{Rewrite: true, UserID: userID, Fronter: fronter}, nil
}

func (r *Resolver) lookupCached(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.tokenToUser[token]
	return userID, ok
}

// insertCached takes the write lock only to insert. If two callers race on
// the same miss, both resolve to the same user id, so a redundant insert
// is harmless.
func (r *Resolver) insertCached(token, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenToUser[token] = userID
}
