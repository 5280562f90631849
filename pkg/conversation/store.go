package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adimov-eth/vibecheck-sub003/internal/apperr"
)

// DBTX is the subset of *pgxpool.Pool / pgx.Tx every Store method needs,
// so callers can pass either a pool or a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides database operations for users, conversations, and audios.
type Store struct {
	dbtx DBTX
}

// NewStore creates a Store backed by the given database connection, pool,
// or transaction.
func NewStore(dbtx DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// FromPool is a convenience constructor for the common case of a Store
// backed directly by the connection pool.
func FromPool(pool *pgxpool.Pool) *Store { return NewStore(pool) }

const userColumns = `id, email, name, external_account_token, is_paying_subscriber, locked, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.ExternalAccountToken, &u.IsPayingSubscriber, &u.Locked, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID returns a user by id, or nil if not found.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", id, err)
	}
	return u, nil
}

// GetUserByEmail returns a user by email, or nil if not found.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by email: %w", err)
	}
	return u, nil
}

// GetUserByExternalAccountToken returns the user linked to the given
// third-party identity subject, or nil if none exists. Used on sign-in
// attempts where the identity provider did not include an email claim
// (common after the first sign-in).
func (s *Store) GetUserByExternalAccountToken(ctx context.Context, token string) (*User, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE external_account_token = $1`, token)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by external account token: %w", err)
	}
	return u, nil
}

// UpsertUserByEmail creates a user if one with the given email doesn't
// already exist, or updates the external account token and name when it
// does. This is the idempotent upsert identity exchange relies on: calling
// authenticate(T) twice for the same identity always resolves to the same
// user row.
func (s *Store) UpsertUserByEmail(ctx context.Context, email string, name *string, externalAccountToken *string) (*User, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO users (id, email, name, external_account_token)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE SET
			external_account_token = COALESCE(EXCLUDED.external_account_token, users.external_account_token),
			name = COALESCE(EXCLUDED.name, users.name),
			updated_at = now()
		RETURNING `+userColumns,
		uuid.New().String(), email, name, externalAccountToken,
	)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}
	return u, nil
}

// SetUserLocked flags or clears the account-lockout flag on a user record.
func (s *Store) SetUserLocked(ctx context.Context, id string, locked bool) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE users SET locked = $2, updated_at = now() WHERE id = $1`, id, locked)
	if err != nil {
		return fmt.Errorf("setting user locked=%v: %w", locked, err)
	}
	return nil
}

const conversationColumns = `id, user_id, mode, recording_type, status, transcript, analysis, error_message, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.UserID, &c.Mode, &c.RecordingType, &c.Status, &c.Transcript, &c.Analysis, &c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConversation inserts a new conversation in status `waiting`. Callers
// must have already verified the user exists and passed the quota check.
func (s *Store) CreateConversation(ctx context.Context, userID string, mode Mode, recordingType RecordingType) (*Conversation, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO conversations (id, user_id, mode, recording_type, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+conversationColumns,
		uuid.New().String(), userID, mode, recordingType, StatusWaiting,
	)
	c, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation by id, or nil if not found.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	return c, nil
}

// UpdateConversationStatus transitions a conversation's status, enforcing
// the monotone partial order. Transitions out of a terminal
// state, or to a non-adjacent status, are silently ignored, leaving the
// DB row as-is, rather than erroring.
func (s *Store) UpdateConversationStatus(ctx context.Context, id string, to Status, errMsg *string) (*Conversation, error) {
	current, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, apperr.New(apperr.ConversationNotFound, "conversation not found")
	}
	if !CanTransition(current.Status, to) {
		return current, nil
	}

	row := s.dbtx.QueryRow(ctx, `
		UPDATE conversations SET status = $2, error_message = COALESCE($3, error_message), updated_at = now()
		WHERE id = $1
		RETURNING `+conversationColumns,
		id, to, errMsg,
	)
	return scanConversation(row)
}

// CompleteConversation stores the combined transcript and final analysis
// result and marks the conversation completed.
func (s *Store) CompleteConversation(ctx context.Context, id, transcript, analysis string) (*Conversation, error) {
	current, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, apperr.New(apperr.ConversationNotFound, "conversation not found")
	}
	if !CanTransition(current.Status, StatusCompleted) {
		return current, nil
	}
	row := s.dbtx.QueryRow(ctx, `
		UPDATE conversations SET status = $2, transcript = $3, analysis = $4, updated_at = now()
		WHERE id = $1
		RETURNING `+conversationColumns,
		id, StatusCompleted, transcript, analysis,
	)
	return scanConversation(row)
}

const audioColumns = `id, conversation_id, user_id, audio_key, file_path, transcript, status, error_message, created_at, updated_at`

func scanAudio(row pgx.Row) (*Audio, error) {
	var a Audio
	if err := row.Scan(&a.ID, &a.ConversationID, &a.UserID, &a.AudioKey, &a.FilePath, &a.Transcript, &a.Status, &a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAudios(rows pgx.Rows) ([]*Audio, error) {
	defer rows.Close()
	var out []*Audio
	for rows.Next() {
		a, err := scanAudio(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audio row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAudios returns every audio belonging to a conversation.
func (s *Store) ListAudios(ctx context.Context, conversationID string) ([]*Audio, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+audioColumns+` FROM audios WHERE conversation_id = $1 ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing audios for conversation %s: %w", conversationID, err)
	}
	return scanAudios(rows)
}

// GetAudioByID returns an audio by its numeric id, or nil if not found.
func (s *Store) GetAudioByID(ctx context.Context, id int64) (*Audio, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+audioColumns+` FROM audios WHERE id = $1`, id)
	a, err := scanAudio(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting audio %d: %w", id, err)
	}
	return a, nil
}

// GetAudioByKey returns the audio with the given (conversationID, audioKey)
// pair, or nil if none exists.
func (s *Store) GetAudioByKey(ctx context.Context, conversationID, audioKey string) (*Audio, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+audioColumns+` FROM audios WHERE conversation_id = $1 AND audio_key = $2`, conversationID, audioKey)
	a, err := scanAudio(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting audio %s/%s: %w", conversationID, audioKey, err)
	}
	return a, nil
}

// CheckAudioUploadConstraints runs the admission checks required before any
// audio file is persisted: conversation existence and ownership,
// duplicate-audioKey rejection, and the per-recording-type slot cap. It
// does not itself insert the audio row.
func (s *Store) CheckAudioUploadConstraints(ctx context.Context, conversationID, userID, audioKey string) (*Conversation, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperr.New(apperr.ConversationNotFound, "conversation not found")
	}
	if conv.UserID != userID {
		return nil, apperr.New(apperr.Forbidden, "conversation does not belong to this user")
	}

	existing, err := s.GetAudioByKey(ctx, conversationID, audioKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.New(apperr.DuplicateAudio, "an audio with this key was already uploaded")
	}

	audios, err := s.ListAudios(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(audios) >= maxAudiosFor(conv.RecordingType) {
		return nil, apperr.New(apperr.TooManyAudios, "this conversation has no remaining audio slots")
	}

	return conv, nil
}

// CreateAudio inserts a new audio row in status `uploaded`. Callers must
// call CheckAudioUploadConstraints first within the same logical
// admission step; CreateAudio itself re-checks the unique
// (conversationId, audioKey) constraint at the database level via the
// unique index, surfacing a DuplicateAudio error on conflict to close the
// race between the check and the insert.
func (s *Store) CreateAudio(ctx context.Context, conversationID, userID, audioKey, filePath string) (*Audio, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO audios (conversation_id, user_id, audio_key, file_path, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+audioColumns,
		conversationID, userID, audioKey, filePath, AudioUploaded,
	)
	a, err := scanAudio(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.DuplicateAudio, "an audio with this key was already uploaded")
		}
		return nil, fmt.Errorf("creating audio: %w", err)
	}
	return a, nil
}

// UpdateAudioTranscribed stores the transcript, nulls the file path, and
// marks the audio transcribed.
func (s *Store) UpdateAudioTranscribed(ctx context.Context, id int64, transcript string) (*Audio, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE audios SET status = $2, transcript = $3, file_path = NULL, updated_at = now()
		WHERE id = $1
		RETURNING `+audioColumns,
		id, AudioTranscribed, transcript,
	)
	a, err := scanAudio(row)
	if err != nil {
		return nil, fmt.Errorf("marking audio %d transcribed: %w", id, err)
	}
	return a, nil
}

// UpdateAudioFailed records a terminal transcription failure.
func (s *Store) UpdateAudioFailed(ctx context.Context, id int64, errMsg string) (*Audio, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE audios SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+audioColumns,
		id, AudioFailed, errMsg,
	)
	a, err := scanAudio(row)
	if err != nil {
		return nil, fmt.Errorf("marking audio %d failed: %w", id, err)
	}
	return a, nil
}

// SetAudioTranscribing marks an audio as actively being transcribed.
func (s *Store) SetAudioTranscribing(ctx context.Context, id int64) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE audios SET status = $2, updated_at = now() WHERE id = $1`, id, AudioTranscribing)
	if err != nil {
		return fmt.Errorf("marking audio %d transcribing: %w", id, err)
	}
	return nil
}

// AllTranscribed reports whether every audio in the conversation has
// reached status `transcribed`. A conversation with zero audios is not considered "all
// transcribed" — there is nothing to analyze yet.
func (s *Store) AllTranscribed(ctx context.Context, conversationID string) (bool, []*Audio, error) {
	audios, err := s.ListAudios(ctx, conversationID)
	if err != nil {
		return false, nil, err
	}
	if len(audios) == 0 {
		return false, audios, nil
	}
	for _, a := range audios {
		if a.Status != AudioTranscribed {
			return false, audios, nil
		}
	}
	return true, audios, nil
}

// AnyFailed reports whether any audio in the conversation has a terminal
// failure.
func (s *Store) AnyFailed(ctx context.Context, conversationID string) (bool, error) {
	audios, err := s.ListAudios(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, a := range audios {
		if a.Status == AudioFailed {
			return true, nil
		}
	}
	return false, nil
}

// uniqueViolation is the Postgres error code for a unique-constraint
// violation (23505).
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
