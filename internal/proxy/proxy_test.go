package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/Lunaphied/plural-kitty/internal/identity"
	"github.com/Lunaphied/plural-kitty/internal/matrixapi"
	"github.com/Lunaphied/plural-kitty/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeResolver struct {
	decision identity.Decision
	err      error
}

func (f *fakeResolver) Resolve(ctx context.Context, token, roomID string) (identity.Decision, error) {
	return f.decision, f.err
}

type fakeCoordinator struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCoordinator) Acquire(userID string) func() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return func() {}
}

type fakeMatrixClient struct {
	mu       sync.Mutex
	current  matrixapi.MemberContent
	putCount int
	putBody  matrixapi.MemberContent
	getErr   error
	putErr   error
}

func (f *fakeMatrixClient) GetMemberState(ctx context.Context, token, roomID, userID string) (*matrixapi.MemberContent, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	c := f.current
	return &c, nil
}

func (f *fakeMatrixClient) PutMemberState(ctx context.Context, token, roomID, userID string, content matrixapi.MemberContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.putCount++
	f.putBody = content
	return nil
}

func strPtr(s string) *string { return &s }

func newUpstream(t *testing.T) (*httptest.Server, *url.URL) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"event_id":"$abc"}`))
	}))
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return srv, u
}

func TestHandleMessageSend_Rewrite(t *testing.T) {
	upstream, upstreamURL := newUpstream(t)
	defer upstream.Close()

	resolver := &fakeResolver{decision: identity.Decision{
		Rewrite: true,
		UserID:  "@alice:example.org",
		Fronter: &store.Member{Name: "Red", DisplayName: strPtr("Red 🔴"), Avatar: strPtr("mxc://ex/red")},
	}}
	coord := &fakeCoordinator{}
	matrix := &fakeMatrixClient{current: matrixapi.MemberContent{Membership: "join", Displayname: "Alice"}}

	p := New(upstreamURL, resolver, coord, matrix, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodPut, "/_matrix/client/v3/rooms/!abc:ex/send/m.room.message/tx1", nil)
	req.Header.Set("Authorization", "Bearer syt_abc")
	resp := httptest.NewRecorder()
	p.Handler().ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, matrix.putCount)
	assert.Equal(t, "Red 🔴", matrix.putBody.Displayname)
	assert.Equal(t, "mxc://ex/red", string(matrix.putBody.AvatarURL))
	assert.Equal(t, 1, coord.calls)
}

func TestHandleMessageSend_NoRewriteWhenUnchanged(t *testing.T) {
	upstream, upstreamURL := newUpstream(t)
	defer upstream.Close()

	resolver := &fakeResolver{decision: identity.Decision{
		Rewrite: true,
		UserID:  "@alice:example.org",
		Fronter: &store.Member{Name: "Red", DisplayName: strPtr("Red 🔴"), Avatar: strPtr("mxc://ex/red")},
	}}
	coord := &fakeCoordinator{}
	matrix := &fakeMatrixClient{current: matrixapi.MemberContent{
		Membership: "join", Displayname: "Red 🔴", AvatarURL: "mxc://ex/red",
	}}

	p := New(upstreamURL, resolver, coord, matrix, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodPut, "/_matrix/client/v3/rooms/!abc:ex/send/m.room.message/tx1", nil)
	req.Header.Set("Authorization", "Bearer syt_abc")
	resp := httptest.NewRecorder()
	p.Handler().ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 0, matrix.putCount)
}

func TestHandleMessageSend_SkipDoesNoUpstreamStateCalls(t *testing.T) {
	upstream, upstreamURL := newUpstream(t)
	defer upstream.Close()

	resolver := &fakeResolver{decision: identity.Decision{Rewrite: false}}
	coord := &fakeCoordinator{}
	matrix := &fakeMatrixClient{}

	p := New(upstreamURL, resolver, coord, matrix, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodPut, "/_matrix/client/v3/rooms/!abc:ex/send/m.room.message/tx1", nil)
	req.Header.Set("Authorization", "Bearer syt_abc")
	resp := httptest.NewRecorder()
	p.Handler().ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 0, matrix.putCount)
	assert.Equal(t, 0, coord.calls)
}

func TestPassthrough_UnmatchedRouteForwardsVerbatim(t *testing.T) {
	upstream, upstreamURL := newUpstream(t)
	defer upstream.Close()

	resolver := &fakeResolver{}
	coord := &fakeCoordinator{}
	matrix := &fakeMatrixClient{}

	p := New(upstreamURL, resolver, coord, matrix, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/_matrix/client/v3/sync", nil)
	resp := httptest.NewRecorder()
	p.Handler().ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestHandleMessageSend_ResolveErrorStillPassesThrough(t *testing.T) {
	upstream, upstreamURL := newUpstream(t)
	defer upstream.Close()

	resolver := &fakeResolver{err: assertAnError()}
	coord := &fakeCoordinator{}
	matrix := &fakeMatrixClient{}

	p := New(upstreamURL, resolver, coord, matrix, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodPut, "/_matrix/client/v3/rooms/!abc:ex/send/m.room.message/tx1", nil)
	req.Header.Set("Authorization", "Bearer syt_abc")
	resp := httptest.NewRecorder()
	p.Handler().ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 0, coord.calls)
}

func assertAnError() error {
	return &store.Error{Kind: store.Backend, Op: "Resolve"}
}
