package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/yegors/callscribe/pkg/logger"
)

// OpenAIClient transcribes audio artifacts via the OpenAI audio API
// (or any compatible endpoint behind a base URL override)
type OpenAIClient struct {
	apiKey     string
	model      string
	language   string
	httpClient *http.Client
	logger     *logger.Logger
	baseURL    string // Stored without trailing slash
}

// NewOpenAIClient creates a new OpenAI transcription client
func NewOpenAIClient(apiKey, model, baseURL, language string, timeout time.Duration, log *logger.Logger) *OpenAIClient {
	// Determine base URL (prefer explicit parameter, then env, then default)
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		if env := os.Getenv("OPENAI_API_BASE"); env != "" {
			base = env
		} else {
			base = "https://api.openai.com"
		}
	}
	base = strings.TrimRight(base, "/")

	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if apiKey == "" {
		log.Warn("No API key provided for transcription client")
	}

	return &OpenAIClient{
		apiKey:   apiKey,
		model:    model,
		language: language,
		logger:   log.Named("transcription"),
		baseURL:  base,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Transcribe uploads the audio bytes and returns the verbose
// transcription with time-aligned segments
func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte, mimeType string) (*Result, error) {
	if c.apiKey == "" {
		return nil, &APIError{StatusCode: http.StatusUnauthorized, Message: "no API key configured"}
	}
	if len(audio) == 0 {
		return nil, &APIError{StatusCode: http.StatusBadRequest, Message: "empty audio payload"}
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	filePart, err := writer.CreateFormFile("file", "recording"+extensionFor(mimeType))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := filePart.Write(audio); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	if err := writer.WriteField("model", c.model); err != nil {
		return nil, fmt.Errorf("failed to write model field: %w", err)
	}
	if c.language != "" {
		if err := writer.WriteField("language", c.language); err != nil {
			return nil, fmt.Errorf("failed to write language field: %w", err)
		}
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("failed to write response_format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	apiURL := c.baseURL + "/v1/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("Sending transcription request",
		logger.Int("audio_bytes", len(audio)),
		logger.String("model", c.model))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Transcription API returned error",
			logger.Int("status_code", resp.StatusCode),
			logger.String("body", string(respBody)))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse transcription response: %w", err)
	}

	c.logger.Info("Transcription complete",
		logger.String("language", result.Language),
		logger.Float64("duration", result.Duration),
		logger.Int("segments", len(result.Segments)))

	return &result, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "audio/wav", "audio/wave", "audio/x-wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	default:
		return ".bin"
	}
}
