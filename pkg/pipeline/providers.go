package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// TranscriptionProvider turns a recorded audio file into text. The
// interface is the seam the coordinator depends on; HTTPTranscriptionClient
// below is this service's concrete client, the mechanics of the provider
// itself (which speech-to-text vendor, its prompt format) are out of scope.
type TranscriptionProvider interface {
	Transcribe(ctx context.Context, filePath string) (string, error)
}

// AnalysisRequest bundles everything the analysis provider needs to
// produce a conversation's final report.
type AnalysisRequest struct {
	Mode          string
	RecordingType string
	Transcripts   []string
}

// AnalysisProvider turns a conversation's transcripts into the final
// analysis text. HTTPAnalysisClient below is this service's concrete
// client; which LLM vendor sits behind the URL is out of scope.
type AnalysisProvider interface {
	Analyze(ctx context.Context, req AnalysisRequest) (string, error)
}

// HTTPTranscriptionClient calls a configured speech-to-text endpoint with
// the audio file as a multipart upload. A 4xx response is treated as a
// provider-reported validation error (e.g. file too large, unsupported
// format) and is therefore non-retryable; anything else is a transport
// error eligible for the coordinator's retry policy.
type HTTPTranscriptionClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPTranscriptionClient creates a transcription client with the given
// per-call timeout.
func NewHTTPTranscriptionClient(baseURL, apiKey string, timeout time.Duration) *HTTPTranscriptionClient {
	return &HTTPTranscriptionClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPTranscriptionClient) Transcribe(ctx context.Context, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", &ValidationError{Message: fmt.Sprintf("opening audio file: %v", err)}
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return "", fmt.Errorf("building multipart request: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copying audio into request: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling transcription provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ValidationError{Message: fmt.Sprintf("transcription provider rejected request (HTTP %d): %s", resp.StatusCode, msg)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription provider returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding transcription response: %w", err)
	}
	return result.Text, nil
}

// HTTPAnalysisClient calls a configured analysis (LLM) endpoint with a
// prompt composed from the conversation's transcripts.
type HTTPAnalysisClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPAnalysisClient creates an analysis client with the given
// per-call timeout.
func NewHTTPAnalysisClient(baseURL, apiKey string, timeout time.Duration) *HTTPAnalysisClient {
	return &HTTPAnalysisClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type analysisRequestBody struct {
	Mode          string   `json:"mode"`
	RecordingType string   `json:"recordingType"`
	Transcripts   []string `json:"transcripts"`
}

func (c *HTTPAnalysisClient) Analyze(ctx context.Context, req AnalysisRequest) (string, error) {
	payload, err := json.Marshal(analysisRequestBody{
		Mode:          req.Mode,
		RecordingType: req.RecordingType,
		Transcripts:   req.Transcripts,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling analysis provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ValidationError{Message: fmt.Sprintf("analysis provider rejected request (HTTP %d): %s", resp.StatusCode, msg)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("analysis provider returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Analysis string `json:"analysis"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding analysis response: %w", err)
	}
	return result.Analysis, nil
}
