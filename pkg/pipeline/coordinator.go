// Package pipeline implements the Pipeline Coordinator: the
// two background jobs that turn uploaded audio into a finished
// conversation — per-audio transcription, and whole-conversation analysis
// once every audio belonging to it has transcribed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adimov-eth/vibecheck-sub003/internal/apperr"
	"github.com/adimov-eth/vibecheck-sub003/pkg/conversation"
	"github.com/adimov-eth/vibecheck-sub003/pkg/push"
	"github.com/prometheus/client_golang/prometheus"
)

// Progress milestones published to conversation:<id> as the pipeline
// advances. Transcription progress interpolates between Uploaded and
// AnalysisStarted as each audio completes.
const (
	ProgressUploaded        = 0.1
	ProgressAnalysisStarted = 0.75
	ProgressCompleted       = 1.0
)

// TranscriptionProgress maps "transcribed of total audios" into the
// overall pipeline fraction.
func TranscriptionProgress(transcribed, total int) float64 {
	if total <= 0 {
		return ProgressUploaded
	}
	frac := float64(transcribed) / float64(total)
	return ProgressUploaded + (ProgressAnalysisStarted-ProgressUploaded)*frac
}

type jobKind string

const (
	kindAudio    jobKind = "audio"
	kindAnalysis jobKind = "analysis"
)

type job struct {
	kind           jobKind
	audioID        int64
	conversationID string
}

// Store is the slice of the Conversation Store the coordinator drives.
// *conversation.Store satisfies it.
type Store interface {
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	GetAudioByID(ctx context.Context, id int64) (*conversation.Audio, error)
	ListAudios(ctx context.Context, conversationID string) ([]*conversation.Audio, error)
	SetAudioTranscribing(ctx context.Context, id int64) error
	UpdateAudioTranscribed(ctx context.Context, id int64, transcript string) (*conversation.Audio, error)
	UpdateAudioFailed(ctx context.Context, id int64, errMsg string) (*conversation.Audio, error)
	AllTranscribed(ctx context.Context, conversationID string) (bool, []*conversation.Audio, error)
	AnyFailed(ctx context.Context, conversationID string) (bool, error)
	UpdateConversationStatus(ctx context.Context, id string, to conversation.Status, errMsg *string) (*conversation.Conversation, error)
	CompleteConversation(ctx context.Context, id, transcript, analysis string) (*conversation.Conversation, error)
}

// Publisher is the push-channel seam the coordinator publishes domain
// events through; the coordinator knows nothing about connection state or
// buffering. *push.Manager satisfies it.
type Publisher interface {
	Publish(ctx context.Context, userID, topic, eventType string, payload any) error
}

// Coordinator runs the audio-transcription and conversation-analysis jobs
// off a bounded work queue. Audio uploads and transcription completions
// enqueue work directly rather than waiting on a poll cycle; a fixed pool
// of worker goroutines drains the queue.
type Coordinator struct {
	store         Store
	pusher        Publisher
	transcription TranscriptionProvider
	analysis      AnalysisProvider
	retry         RetryPolicy
	logger        *slog.Logger
	metric        *prometheus.CounterVec // jobs_total{kind,outcome}

	queue chan job
}

// New creates a Coordinator. queueDepth bounds how many pending jobs may
// be buffered before Submit blocks the caller.
func New(store Store, pusher Publisher, transcription TranscriptionProvider, analysis AnalysisProvider, retry RetryPolicy, logger *slog.Logger, metric *prometheus.CounterVec, queueDepth int) *Coordinator {
	return &Coordinator{
		store:         store,
		pusher:        pusher,
		transcription: transcription,
		analysis:      analysis,
		retry:         retry,
		logger:        logger,
		metric:        metric,
		queue:         make(chan job, queueDepth),
	}
}

// Run starts numWorkers worker goroutines draining the job queue. It
// blocks until ctx is cancelled, then waits for in-flight jobs to finish
// before returning.
func (c *Coordinator) Run(ctx context.Context, numWorkers int) {
	c.logger.Info("pipeline coordinator started", "workers", numWorkers)

	done := make(chan struct{})
	for i := 0; i < numWorkers; i++ {
		go c.worker(ctx, done)
	}

	<-ctx.Done()
	for i := 0; i < numWorkers; i++ {
		<-done
	}
	c.logger.Info("pipeline coordinator stopped")
}

func (c *Coordinator) worker(ctx context.Context, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.queue:
			c.process(ctx, j)
		}
	}
}

// SubmitAudioJob enqueues transcription work for an uploaded audio.
func (c *Coordinator) SubmitAudioJob(audioID int64) {
	c.queue <- job{kind: kindAudio, audioID: audioID}
}

// SubmitAnalysisJob enqueues analysis work for a conversation whose audios
// have all transcribed.
func (c *Coordinator) SubmitAnalysisJob(conversationID string) {
	c.queue <- job{kind: kindAnalysis, conversationID: conversationID}
}

func (c *Coordinator) process(ctx context.Context, j job) {
	var err error
	switch j.kind {
	case kindAudio:
		err = c.runAudioJob(ctx, j.audioID)
	case kindAnalysis:
		err = c.runAnalysisJob(ctx, j.conversationID)
	}
	if err != nil {
		c.logger.Error("pipeline job failed", "kind", j.kind, "error", err)
	}
}

func (c *Coordinator) recordOutcome(kind jobKind, outcome string) {
	if c.metric != nil {
		c.metric.WithLabelValues(string(kind), outcome).Inc()
	}
}

// runAudioJob transcribes a single audio and advances its status. Failure
// of one audio never blocks or fails its sibling audios in the same
// conversation — AnyFailed/AllTranscribed
// are consulted independently per audio.
func (c *Coordinator) runAudioJob(ctx context.Context, audioID int64) error {
	audio, err := c.store.GetAudioByID(ctx, audioID)
	if err != nil {
		return err
	}
	if audio == nil {
		return apperr.New(apperr.AudioNotFound, "audio not found")
	}
	conv, err := c.store.GetConversation(ctx, audio.ConversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return apperr.New(apperr.ConversationNotFound, "conversation not found")
	}

	if err := c.store.SetAudioTranscribing(ctx, audio.ID); err != nil {
		return fmt.Errorf("marking audio transcribing: %w", err)
	}
	if conv.Status == conversation.StatusWaiting {
		if _, err := c.store.UpdateConversationStatus(ctx, conv.ID, conversation.StatusProcessing, nil); err != nil {
			c.logger.Warn("advancing conversation to processing", "conversation_id", conv.ID, "error", err)
		}
	}

	var filePath string
	if audio.FilePath != nil {
		filePath = *audio.FilePath
	}

	var transcript string
	opErr := c.retry.Do(ctx, func() error {
		t, err := c.transcription.Transcribe(ctx, filePath)
		if err != nil {
			return err
		}
		transcript = t
		return nil
	})

	if opErr != nil {
		c.recordOutcome(kindAudio, "failed")
		safe := userSafeMessage(opErr, "transcription failed")
		c.logger.Error("transcription failed", "audio_id", audio.ID, "conversation_id", conv.ID, "error", opErr)
		if _, err := c.store.UpdateAudioFailed(ctx, audio.ID, safe); err != nil {
			return fmt.Errorf("recording audio failure: %w", err)
		}
		c.notify(ctx, conv.UserID, conv.ID, "audio_failed", map[string]any{"audioId": audio.ID, "error": safe})
		return c.failConversation(ctx, conv, "one or more audios failed to transcribe")
	}

	c.recordOutcome(kindAudio, "success")
	if _, err := c.store.UpdateAudioTranscribed(ctx, audio.ID, transcript); err != nil {
		return fmt.Errorf("recording audio transcript: %w", err)
	}
	c.notify(ctx, conv.UserID, conv.ID, "audio_processed", map[string]any{"audioId": audio.ID})
	c.publishTranscriptionProgress(ctx, conv)

	return c.maybeStartAnalysis(ctx, conv)
}

// publishTranscriptionProgress reports a coarse fraction after each audio
// transcribes: the transcription phase spans (ProgressUploaded,
// ProgressAnalysisStarted) of the overall pipeline.
func (c *Coordinator) publishTranscriptionProgress(ctx context.Context, conv *conversation.Conversation) {
	audios, err := c.store.ListAudios(ctx, conv.ID)
	if err != nil || len(audios) == 0 {
		return
	}
	transcribed := 0
	for _, a := range audios {
		if a.Status == conversation.AudioTranscribed {
			transcribed++
		}
	}
	c.notify(ctx, conv.UserID, conv.ID, "conversation_progress",
		map[string]any{"progress": TranscriptionProgress(transcribed, len(audios))})
}

func (c *Coordinator) maybeStartAnalysis(ctx context.Context, conv *conversation.Conversation) error {
	failed, err := c.store.AnyFailed(ctx, conv.ID)
	if err != nil {
		return err
	}
	if failed {
		return nil
	}

	all, _, err := c.store.AllTranscribed(ctx, conv.ID)
	if err != nil {
		return err
	}
	if !all {
		return nil
	}

	c.SubmitAnalysisJob(conv.ID)
	return nil
}

// runAnalysisJob composes the conversation's transcripts into a prompt,
// invokes the analysis provider, and stores the result.
func (c *Coordinator) runAnalysisJob(ctx context.Context, conversationID string) error {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return apperr.New(apperr.ConversationNotFound, "conversation not found")
	}

	audios, err := c.store.ListAudios(ctx, conversationID)
	if err != nil {
		return err
	}
	transcripts := make([]string, 0, len(audios))
	for _, a := range audios {
		if a.Transcript != nil {
			transcripts = append(transcripts, *a.Transcript)
		}
	}

	c.notify(ctx, conv.UserID, conv.ID, "conversation_progress", map[string]any{"progress": ProgressAnalysisStarted})

	var result string
	opErr := c.retry.Do(ctx, func() error {
		r, err := c.analysis.Analyze(ctx, AnalysisRequest{
			Mode:          string(conv.Mode),
			RecordingType: string(conv.RecordingType),
			Transcripts:   transcripts,
		})
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	if opErr != nil {
		c.recordOutcome(kindAnalysis, "failed")
		c.logger.Error("analysis failed", "conversation_id", conv.ID, "error", opErr)
		return c.failConversation(ctx, conv, userSafeMessage(opErr, "analysis failed"))
	}

	c.recordOutcome(kindAnalysis, "success")
	combined := strings.Join(transcripts, "\n\n")
	if _, err := c.store.CompleteConversation(ctx, conv.ID, combined, result); err != nil {
		return fmt.Errorf("completing conversation: %w", err)
	}
	c.notify(ctx, conv.UserID, conv.ID, "conversation_progress", map[string]any{"progress": ProgressCompleted})
	c.notify(ctx, conv.UserID, conv.ID, "conversation_completed", map[string]any{"conversationId": conv.ID})
	return nil
}

// failConversation records a terminal failure and publishes the
// conversation_failed event. message must already be user-safe — the full
// cause is logged by the caller, never pushed.
func (c *Coordinator) failConversation(ctx context.Context, conv *conversation.Conversation, message string) error {
	if _, err := c.store.UpdateConversationStatus(ctx, conv.ID, conversation.StatusFailed, &message); err != nil {
		return fmt.Errorf("marking conversation failed: %w", err)
	}
	c.notify(ctx, conv.UserID, conv.ID, "conversation_failed", map[string]any{"conversationId": conv.ID, "error": message})
	return nil
}

// userSafeMessage picks what a failure surfaces to the client: a provider's
// validation message is about the caller's own input and passes through;
// transport/internal causes collapse to the generic fallback.
func userSafeMessage(err error, fallback string) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	return fallback
}

func (c *Coordinator) notify(ctx context.Context, userID, conversationID, eventType string, payload any) {
	topic := push.TopicFor(conversationID)
	if err := c.pusher.Publish(ctx, userID, topic, eventType, payload); err != nil {
		c.logger.Warn("publishing pipeline event", "event", eventType, "conversation_id", conversationID, "error", err)
	}
}
