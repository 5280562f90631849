package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/adimov-eth/vibecheck-sub003/internal/admission"
	"github.com/adimov-eth/vibecheck-sub003/internal/apperr"
	"github.com/adimov-eth/vibecheck-sub003/internal/httpserver"
	"github.com/adimov-eth/vibecheck-sub003/pkg/conversation"
	"github.com/adimov-eth/vibecheck-sub003/pkg/pipeline"
	"github.com/adimov-eth/vibecheck-sub003/pkg/push"
)

type optionalProfile struct {
	Name string `json:"name" validate:"omitempty,max=200"`
}

type authenticateRequest struct {
	IdentityToken   string           `json:"identityToken" validate:"required"`
	OptionalProfile *optionalProfile `json:"optionalProfile"`
	ChallengeSolved bool             `json:"challengeSolved"`
}

type userResponse struct {
	ID    string  `json:"id"`
	Email string  `json:"email"`
	Name  *string `json:"name,omitempty"`
}

type authenticateResponse struct {
	SessionToken string       `json:"sessionToken"`
	User         userResponse `json:"user"`
}

// handleAuthenticate implements the authentication endpoint: verifies a
// third-party identity token, upserts the local user, and issues a server
// session token. The abuse ladder (progressive delay, challenge, lockout)
// runs around the identity verification call.
func (h *Handlers) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := remoteIP(r)

	delay, err := h.limiter.ProgressiveDelay(ctx, ip)
	if err != nil {
		h.logger.Warn("auth: checking progressive delay", "error", err)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	var req authenticateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if required, err := h.limiter.ChallengeRequired(ctx, ip); err != nil {
		h.logger.Warn("auth: checking challenge requirement", "error", err)
	} else if required {
		if !req.ChallengeSolved {
			httpserver.RespondAppError(w, apperr.New(apperr.AuthChallengeRequired, "solve the challenge before retrying"))
			return
		}
		if err := h.limiter.ChallengeSolved(ctx, ip); err != nil {
			h.logger.Warn("auth: resetting challenge counter", "error", err)
		}
	}

	claims, err := h.identity.Verify(ctx, req.IdentityToken)
	if err != nil {
		if recErr := h.limiter.RecordFailure(ctx, ip, ""); recErr != nil {
			h.logger.Warn("auth: recording failure", "error", recErr)
		}
		httpserver.RespondAppError(w, apperr.Wrap(apperr.InvalidIdentityToken, "identity token could not be verified", err))
		return
	}

	existing, err := h.store.GetUserByExternalAccountToken(ctx, claims.Subject)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Unexpected, "looking up user", err))
		return
	}

	email := claims.Email
	if existing != nil {
		email = existing.Email
	}
	if email == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.BadRequest, "identity token did not include an email and no linked account exists yet"))
		return
	}

	if locked, err := h.limiter.AccountLocked(ctx, email); err != nil {
		h.logger.Warn("auth: checking lockout", "error", err)
	} else if locked {
		if existing != nil {
			if setErr := h.store.SetUserLocked(ctx, existing.ID, true); setErr != nil {
				h.logger.Warn("auth: flagging locked user", "error", setErr)
			}
		}
		httpserver.RespondAppError(w, apperr.New(apperr.AccountLocked, "too many failed attempts; try again later"))
		return
	}

	var name *string
	if req.OptionalProfile != nil && req.OptionalProfile.Name != "" {
		name = &req.OptionalProfile.Name
	}

	user, err := h.store.UpsertUserByEmail(ctx, email, name, &claims.Subject)
	if err != nil {
		if recErr := h.limiter.RecordFailure(ctx, ip, email); recErr != nil {
			h.logger.Warn("auth: recording failure", "error", recErr)
		}
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Unexpected, "creating or updating user", err))
		return
	}

	if user.Locked {
		httpserver.RespondAppError(w, apperr.New(apperr.AccountLocked, "too many failed attempts; try again later"))
		return
	}

	token, err := h.sessions.Create(ctx, user.ID)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Unexpected, "issuing session token", err))
		return
	}

	if err := h.limiter.ClearOnSuccess(ctx, ip, email); err != nil {
		h.logger.Warn("auth: clearing abuse-ladder counters", "error", err)
	}

	httpserver.Respond(w, http.StatusOK, authenticateResponse{
		SessionToken: token,
		User:         userResponse{ID: user.ID, Email: user.Email, Name: user.Name},
	})
}

// handlePushConnection upgrades the request to the duplex push channel and
// runs it for the connection's lifetime.
func (h *Handlers) handlePushConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.pusher.HandleConnection(r.Context(), w, r); err != nil {
		h.logger.Info("push: connection ended", "error", err)
	}
}

type createConversationRequest struct {
	Mode          string `json:"mode" validate:"required,oneof=vent coach mediator"`
	RecordingType string `json:"recordingType" validate:"required,oneof=separate live"`
}

type conversationResponse struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Mode          string  `json:"mode"`
	RecordingType string  `json:"recordingType"`
	Transcript    *string `json:"transcript,omitempty"`
	Analysis      *string `json:"analysis,omitempty"`
	ErrorMessage  *string `json:"errorMessage,omitempty"`
}

func toConversationResponse(c *conversation.Conversation) conversationResponse {
	return conversationResponse{
		ID:            c.ID,
		Status:        string(c.Status),
		Mode:          string(c.Mode),
		RecordingType: string(c.RecordingType),
		Transcript:    c.Transcript,
		Analysis:      c.Analysis,
		ErrorMessage:  c.ErrorMessage,
	}
}

// handleCreateConversation creates a conversation in status `waiting` after
// checking the caller's weekly free-tier quota.
func (h *Handlers) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := admission.UserIDFromContext(ctx)

	var req createConversationRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.store.GetUserByID(ctx, userID)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Unexpected, "looking up user", err))
		return
	}
	if user == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.UserNotFound, "user not found"))
		return
	}

	if err := h.quota.Check(ctx, userID, user.IsPayingSubscriber); err != nil {
		httpserver.RespondAppError(w, err)
		return
	}

	conv, err := h.store.CreateConversation(ctx, userID, conversation.Mode(req.Mode), conversation.RecordingType(req.RecordingType))
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Unexpected, "creating conversation", err))
		return
	}

	httpserver.Respond(w, http.StatusCreated, toConversationResponse(conv))
}

// handleGetConversation returns a conversation's current state, including
// the analysis result once present. Ownership was already verified by
// RequireResourceOwnership.
func (h *Handlers) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, _ := admission.ResourceFromContext(r.Context()).(*conversation.Conversation)
	if conv == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.ConversationNotFound, "conversation not found"))
		return
	}
	httpserver.Respond(w, http.StatusOK, toConversationResponse(conv))
}

type audioResponse struct {
	ID       int64  `json:"id"`
	AudioKey string `json:"audioKey"`
	Status   string `json:"status"`
}

const maxAudioUploadBytes = 100 << 20 // 100 MiB

// handleUploadAudio admits a multipart audio upload: conversation
// existence/ownership was already checked by RequireResourceOwnership;
// this handler additionally enforces the duplicate-audioKey and
// slot-count constraints before writing the file to disk, then enqueues
// the transcription job.
func (h *Handlers) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := admission.UserIDFromContext(ctx)
	conv, _ := admission.ResourceFromContext(ctx).(*conversation.Conversation)
	if conv == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.ConversationNotFound, "conversation not found"))
		return
	}

	if err := r.ParseMultipartForm(maxAudioUploadBytes); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, string(apperr.BadRequest), "invalid multipart form")
		return
	}

	audioKey := r.FormValue("audioKey")
	if audioKey == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.BadRequest, "audioKey is required"))
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.BadRequest, "audio file is required"))
		return
	}
	defer file.Close()

	if _, err := h.store.CheckAudioUploadConstraints(ctx, conv.ID, userID, audioKey); err != nil {
		httpserver.RespondAppError(w, err)
		return
	}

	filePath, err := h.saveAudioFile(conv.ID, audioKey, header.Filename, file)
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Unexpected, "storing uploaded audio", err))
		return
	}

	audio, err := h.store.CreateAudio(ctx, conv.ID, userID, audioKey, filePath)
	if err != nil {
		_ = os.Remove(filePath)
		httpserver.RespondAppError(w, err)
		return
	}

	h.pipeline.SubmitAudioJob(audio.ID)
	topic := push.TopicFor(conv.ID)
	if pubErr := h.pusher.Publish(ctx, conv.UserID, topic, "conversation_progress", map[string]any{"progress": pipeline.ProgressUploaded, "audioKey": audioKey}); pubErr != nil {
		h.logger.Warn("publishing upload-accepted progress event", "conversation_id", conv.ID, "error", pubErr)
	}

	httpserver.Respond(w, http.StatusCreated, audioResponse{ID: audio.ID, AudioKey: audio.AudioKey, Status: string(audio.Status)})
}

func (h *Handlers) saveAudioFile(conversationID, audioKey, originalName string, src io.Reader) (string, error) {
	dir := filepath.Join(h.cfg.AudioStorageDir, conversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating audio storage directory: %w", err)
	}

	ext := filepath.Ext(originalName)
	path := filepath.Join(dir, audioKey+ext)

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating audio file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("writing audio file: %w", err)
	}
	return path, nil
}
