// Package api implements the HTTP handlers that bind the authentication,
// conversation, and push-channel subsystems to routes.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/adimov-eth/vibecheck-sub003/internal/admission"
	"github.com/adimov-eth/vibecheck-sub003/internal/apperr"
	"github.com/adimov-eth/vibecheck-sub003/internal/config"
	"github.com/adimov-eth/vibecheck-sub003/pkg/conversation"
	"github.com/adimov-eth/vibecheck-sub003/pkg/identity"
	"github.com/adimov-eth/vibecheck-sub003/pkg/pipeline"
	"github.com/adimov-eth/vibecheck-sub003/pkg/push"
	"github.com/adimov-eth/vibecheck-sub003/pkg/quota"
	"github.com/adimov-eth/vibecheck-sub003/pkg/ratelimit"
	"github.com/adimov-eth/vibecheck-sub003/pkg/sessiontoken"
)

// SessionIssuer is the subset of the Session Token Service the auth
// handler needs.
type SessionIssuer interface {
	Create(ctx context.Context, userID string) (string, error)
}

// Handlers binds the core subsystems to HTTP routes.
type Handlers struct {
	cfg      *config.Config
	sessions SessionIssuer
	identity *identity.Verifier
	store    *conversation.Store
	quota    *quota.Gate
	limiter  *ratelimit.Engine
	pusher   *push.Manager
	pipeline *pipeline.Coordinator
	logger   *slog.Logger
}

// New creates a Handlers.
func New(
	cfg *config.Config,
	sessions SessionIssuer,
	identityVerifier *identity.Verifier,
	store *conversation.Store,
	quotaGate *quota.Gate,
	limiter *ratelimit.Engine,
	pusher *push.Manager,
	coordinator *pipeline.Coordinator,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		cfg:      cfg,
		sessions: sessions,
		identity: identityVerifier,
		store:    store,
		quota:    quotaGate,
		limiter:  limiter,
		pusher:   pusher,
		pipeline: coordinator,
		logger:   logger,
	}
}

// sessionVerifier wraps *sessiontoken.Service as an admission.Verifier.
type sessionVerifier struct {
	svc *sessiontoken.Service
}

// RequireAuthMiddleware builds the bearer-token admission middleware for
// the authenticated API sub-router.
func RequireAuthMiddleware(sessions *sessiontoken.Service) func(http.Handler) http.Handler {
	return admission.RequireAuth(sessionVerifier{svc: sessions})
}

func (v sessionVerifier) Verify(ctx context.Context, token string) (string, error) {
	return v.svc.Verify(ctx, token)
}

// RegisterPublicRoutes mounts the unauthenticated routes: the
// authentication endpoint and the push channel upgrade.
func (h *Handlers) RegisterPublicRoutes(r chi.Router) {
	r.With(h.rateLimit("auth", h.cfg.RateLimitMaxAuth)).Post("/auth", h.handleAuthenticate)
	r.With(h.rateLimit("push", h.cfg.RateLimitMaxDefault)).Get("/ws", h.handlePushConnection)
}

// RegisterAuthenticatedRoutes mounts the conversation API surface on an
// already-authenticated sub-router.
func (h *Handlers) RegisterAuthenticatedRoutes(r chi.Router) {
	conversationOwnership := admission.RequireResourceOwnership(
		"conversation", apperr.ConversationNotFound,
		admission.GetterFunc[*conversation.Conversation](h.getConversationOwner),
		func(r *http.Request) string { return chi.URLParam(r, "id") },
	)

	r.With(h.rateLimit("conversations", h.cfg.RateLimitMaxConversations)).
		Post("/conversations", h.handleCreateConversation)

	r.With(h.rateLimit("audio", h.cfg.RateLimitMaxAudio), conversationOwnership).
		Post("/conversations/{id}/audio", h.handleUploadAudio)

	r.With(h.rateLimit("default", h.cfg.RateLimitMaxDefault), conversationOwnership).
		Get("/conversations/{id}", h.handleGetConversation)
}

func (h *Handlers) getConversationOwner(ctx context.Context, id string) (*conversation.Conversation, string, bool, error) {
	conv, err := h.store.GetConversation(ctx, id)
	if err != nil {
		if appErr, ok := apperr.As(err); ok {
			return nil, "", false, appErr
		}
		return nil, "", false, err
	}
	if conv == nil {
		return nil, "", false, nil
	}
	return conv, conv.UserID, true, nil
}

// remoteIP extracts the client IP from the request, preferring
// X-Forwarded-For's first hop when present, falling back to RemoteAddr.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}
