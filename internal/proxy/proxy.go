// Package proxy is the reverse HTTP proxy front door: it matches the
// message-send endpoint, runs the identity-update sequence against it
// under the per-user coordinator lock, and forwards every request —
// including the send itself — to the upstream homeserver unchanged.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/Lunaphied/plural-kitty/internal/identity"
	"github.com/Lunaphied/plural-kitty/internal/matrixapi"
	"github.com/Lunaphied/plural-kitty/internal/metrics"
	"github.com/Lunaphied/plural-kitty/internal/middleware"
	"github.com/Lunaphied/plural-kitty/internal/ratelimit"
	"github.com/Lunaphied/plural-kitty/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// tracerServiceName is the otelgin span service name, matching the
// serviceName passed to tracing.InitTracer at startup.
const tracerServiceName = "plural-kitty"

// MatrixClient is the subset of matrixapi.Client the proxy depends on.
type MatrixClient interface {
	GetMemberState(ctx context.Context, token, roomID, userID string) (*matrixapi.MemberContent, error)
	PutMemberState(ctx context.Context, token, roomID, userID string, content matrixapi.MemberContent) error
}

// Resolver is the subset of identity.Resolver the proxy depends on.
type Resolver interface {
	Resolve(ctx context.Context, token, roomID string) (identity.Decision, error)
}

// Coordinator is the subset of coordinator.Coordinator the proxy depends
// on.
type Coordinator interface {
	Acquire(userID string) (release func())
}

// Proxy wires together the identity-update sequence and the passthrough
// reverse proxy into a single gin.Engine.
type Proxy struct {
	engine   *gin.Engine
	resolver Resolver
	coord    Coordinator
	matrix   MatrixClient
	upstream *url.URL
	logger   *zap.Logger
}

// New builds a Proxy that forwards unmatched and passed-through traffic to
// upstream.
func New(upstream *url.URL, resolver Resolver, coord Coordinator, matrix MatrixClient, limiter *ratelimit.RateLimiter, logger *zap.Logger) *Proxy {
	p := &Proxy{
		engine:   gin.New(),
		resolver: resolver,
		coord:    coord,
		matrix:   matrix,
		upstream: upstream,
		logger:   logger,
	}

	p.engine.Use(gin.Recovery())
	p.engine.Use(otelgin.Middleware(tracerServiceName))
	p.engine.Use(middleware.CorrelationID())
	p.engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "PUT", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
	}))

	reverse := newReverseProxy(upstream, logger)

	sendHandlers := []gin.HandlerFunc{p.resolveMiddleware}
	if limiter != nil {
		sendHandlers = append(sendHandlers, limiter.MessageSendMiddleware())
	}
	sendHandlers = append(sendHandlers, func(c *gin.Context) {
		p.handleMessageSend(c, reverse)
	})
	p.engine.PUT("/_matrix/client/:version/rooms/:roomID/send/:eventType/:txnID", sendHandlers...)

	p.engine.NoRoute(func(c *gin.Context) {
		reverse.ServeHTTP(c.Writer, c.Request)
	})

	return p
}

// Handler returns the underlying http.Handler for use with net/http.Server.
func (p *Proxy) Handler() http.Handler { return p.engine }

const decisionKey = "identity_decision"

// resolveMiddleware runs the resolve step ahead of rate limiting so the
// limiter can key off the resolved user id rather than always falling
// back to client IP on this route.
func (p *Proxy) resolveMiddleware(c *gin.Context) {
	token := bearerToken(c.Request)
	if token == "" {
		c.Next()
		return
	}

	decision, err := p.resolver.Resolve(c.Request.Context(), token, c.Param("roomID"))
	if err != nil {
		p.logger.Error("resolve failed", zap.Error(err), zap.String("room_id", c.Param("roomID")))
		c.Next()
		return
	}
	if decision.Rewrite {
		c.Set(decisionKey, decision)
		c.Set(ratelimit.ResolvedUserIDKey, decision.UserID)
	}
	c.Next()
}

func (p *Proxy) handleMessageSend(c *gin.Context, reverse *httputil.ReverseProxy) {
	roomID := c.Param("roomID")
	token := bearerToken(c.Request)

	if decision, ok := c.Get(decisionKey); ok {
		p.runIdentityUpdate(c.Request.Context(), decision.(identity.Decision), token, roomID)
	}
	reverse.ServeHTTP(c.Writer, c.Request)
}

// runIdentityUpdate implements the lock → GET → diff → PUT → unlock
// sequence for an already-resolved rewrite decision. Every failure is
// logged and swallowed; passthrough always proceeds regardless of outcome
// here.
func (p *Proxy) runIdentityUpdate(ctx context.Context, decision identity.Decision, token, roomID string) {
	waitStart := time.Now()
	release := p.coord.Acquire(decision.UserID)
	metrics.CoordinatorLockWait.Observe(time.Since(waitStart).Seconds())
	defer release()

	updateStart := time.Now()
	defer func() {
		metrics.ProxyIdentityUpdateDuration.Observe(time.Since(updateStart).Seconds())
	}()

	current, err := p.matrix.GetMemberState(ctx, token, roomID, decision.UserID)
	if err != nil {
		p.logger.Error("get member state failed", zap.Error(err),
			zap.String("room_id", roomID), zap.String("user_id", decision.UserID))
		return
	}

	updated, changed := diffMemberContent(*current, decision.Fronter)
	if !changed {
		return
	}

	if err := p.matrix.PutMemberState(ctx, token, roomID, decision.UserID, updated); err != nil {
		p.logger.Error("put member state failed", zap.Error(err),
			zap.String("room_id", roomID), zap.String("user_id", decision.UserID))
	}
}

// diffMemberContent applies the fronter's display_name/avatar onto current
// where present, reporting whether anything changed. An absent fronter
// field leaves the corresponding current field untouched, and every other
// field on current (reason, is_direct, third_party_invite, …) round-trips
// unmodified since current is the decoded upstream state event itself.
func diffMemberContent(current matrixapi.MemberContent, fronter *store.Member) (matrixapi.MemberContent, bool) {
	changed := false
	if fronter.DisplayName != nil && *fronter.DisplayName != current.Displayname {
		current.Displayname = *fronter.DisplayName
		changed = true
	}
	if fronter.Avatar != nil && *fronter.Avatar != string(current.AvatarURL) {
		current.AvatarURL = id.ContentURIString(*fronter.Avatar)
		changed = true
	}
	if current.Membership == "" {
		current.Membership = event.MembershipJoin
	}
	return current, changed
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// newReverseProxy forwards every request unmodified except for the
// scheme/host of the URI authority, matching the upstream origin.
func newReverseProxy(upstream *url.URL, logger *zap.Logger) *httputil.ReverseProxy {
	rp := httputil.NewSingleHostReverseProxy(upstream)
	originalDirector := rp.Director
	rp.Director = func(r *http.Request) {
		originalDirector(r)
		r.Host = upstream.Host
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		metrics.ProxyPassthroughFailures.Inc()
		logger.Error("passthrough failed", zap.Error(err), zap.String("path", r.URL.Path))
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "plural-kitty: passthrough failed: %v", err)
	}
	return rp
}
