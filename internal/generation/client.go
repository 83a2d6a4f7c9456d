// Package generation turns extracted audio into a transcript and a transcript into a procedure document.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/target/sopline/internal/backoff"
	apperrors "github.com/target/sopline/internal/errors"
)

const (
	defaultBaseURL         = "https://api.openai.com"
	defaultTranscribeModel = "whisper-1"
	defaultChatModel       = "gpt-4"
	defaultTimeout         = 180 * time.Second
	defaultTemperature     = 0.7
	defaultMaxTokens       = 2000
	maxErrorBody           = 512

	systemPrompt = "You are a professional technical writer specializing in creating clear, concise " +
		"Standard Operating Procedures and Quick Reference Guides."
)

// Options configure a Client.
type Options struct {
	APIKey          string
	BaseURL         string
	TranscribeModel string
	ChatModel       string
	HTTPClient      *http.Client
	Attempts        int
	BaseDelay       time.Duration
	Sleep           func(context.Context, time.Duration) error
	Logger          *slog.Logger
}

// Client calls the speech-to-text and chat completion endpoints.
type Client struct {
	apiKey          string
	baseURL         string
	transcribeModel string
	chatModel       string
	http            *http.Client
	retry           backoff.Policy
	logger          *slog.Logger
}

// New constructs a Client. A missing API key is reported when a call is made.
func New(opts Options) *Client {
	c := &Client{
		apiKey:          strings.TrimSpace(opts.APIKey),
		baseURL:         strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		transcribeModel: opts.TranscribeModel,
		chatModel:       opts.ChatModel,
		http:            opts.HTTPClient,
		logger:          opts.Logger,
		retry: backoff.Policy{
			Attempts:    opts.Attempts,
			BaseDelay:   opts.BaseDelay,
			IsRetryable: apperrors.IsTransient,
			Sleep:       opts.Sleep,
		},
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.transcribeModel == "" {
		c.transcribeModel = defaultTranscribeModel
	}
	if c.chatModel == "" {
		c.chatModel = defaultChatModel
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	if c.retry.Attempts <= 0 {
		c.retry.Attempts = 3
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "generation")
	return c
}

type providerHTTPError struct {
	StatusCode int
	Body       string
}

func (e *providerHTTPError) Error() string {
	return fmt.Sprintf("provider http %d: %s", e.StatusCode, e.Body)
}

// classify maps a transport or HTTP failure to the error taxonomy.
func classify(op string, err error) error {
	var httpErr *providerHTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return apperrors.Wrapf(err, apperrors.ErrCodeTransient, "%s: provider temporarily unavailable", op)
		}
		return apperrors.Wrapf(err, apperrors.ErrCodeProvider, "%s", op)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Wrapf(err, apperrors.ErrCodeTransient, "%s: provider unreachable", op)
}

func (c *Client) send(ctx context.Context, op string, build func() (*http.Request, error)) ([]byte, error) {
	if c.apiKey == "" {
		return nil, apperrors.ProviderUnavailablef("%s: OpenAI API key is not configured", op)
	}

	var body []byte
	err := backoff.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req, err := build()
		if err != nil {
			return err
		}
		req = req.WithContext(ctx)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return classify(op, err)
		}
		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return classify(op, readErr)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if len(raw) > maxErrorBody {
				raw = raw[:maxErrorBody]
			}
			c.logger.WarnContext(ctx, "provider request failed",
				"op", op, "status", resp.StatusCode, "attempt", attempt+1)
			return classify(op, &providerHTTPError{StatusCode: resp.StatusCode, Body: string(raw)})
		}
		body = raw
		return nil
	})
	return body, err
}

// Transcribe uploads an audio file and returns the plain-text transcript.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (string, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}

	var form bytes.Buffer
	w := multipart.NewWriter(&form)
	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	_ = w.WriteField("model", c.transcribeModel)
	_ = w.WriteField("response_format", "text")
	if err := w.Close(); err != nil {
		return "", err
	}
	payload := form.Bytes()
	contentType := w.FormDataContentType()

	raw, err := c.send(ctx, "Failed to transcribe audio", func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+"/v1/audio/transcriptions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return "", err
	}

	transcript := strings.TrimSpace(string(raw))
	if err := ValidateTranscript(transcript); err != nil {
		return "", err
	}
	c.logger.DebugContext(ctx, "transcription complete", "chars", len(transcript))
	return transcript, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate writes a document for transcript using the template at templateIndex.
func (c *Client) Generate(ctx context.Context, transcript string, templateIndex int) (string, error) {
	tmpl, err := TemplateAt(templateIndex)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.chatModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: tmpl.prompt(transcript)},
		},
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	})
	if err != nil {
		return "", err
	}

	raw, err := c.send(ctx, "Failed to generate document", func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Choices) == 0 {
		return "", apperrors.CorruptOutputf("Failed to generate document: unexpected provider response")
	}
	doc := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := ValidateDocument(doc, tmpl); err != nil {
		return "", err
	}
	return doc, nil
}
