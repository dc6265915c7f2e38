// Package convai is a client for the conversational-AI voice provider's
// REST API. It reads conversation metadata and transcripts; every call goes
// through the retrying fetch client.
package convai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/abhisek/rehearse/internal/fetch"
)

const defaultBaseURL = "https://api.elevenlabs.io"

// Config holds provider connection settings.
type Config struct {
	BaseURL string `env:"BASE_URL" envDefault:"https://api.elevenlabs.io"`
	APIKey  string `env:"API_KEY"`

	// MetadataAttempts bounds retries for conversation metadata.
	MetadataAttempts int `env:"METADATA_ATTEMPTS" envDefault:"3"`
	// TranscriptAttempts bounds retries while the provider is still
	// processing the call.
	TranscriptAttempts int `env:"TRANSCRIPT_ATTEMPTS" envDefault:"5"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{BaseURL: defaultBaseURL, MetadataAttempts: 3, TranscriptAttempts: 5}
}

// Conversation is the provider's conversation record, minus the transcript.
type Conversation struct {
	ID       string   `json:"conversation_id"`
	AgentID  string   `json:"agent_id"`
	Status   string   `json:"status"`
	Metadata Metadata `json:"metadata"`
}

// Metadata describes the call.
type Metadata struct {
	StartTimeUnixSecs int64 `json:"start_time_unix_secs"`
	CallDurationSecs  int   `json:"call_duration_secs"`
}

// Provider statuses.
const (
	StatusInitiated  = "initiated"
	StatusInProgress = "in-progress"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Client talks to the provider.
type Client struct {
	fetcher *fetch.Client
	cfg     Config
	base    string
}

// New creates a Client.
func New(fetcher *fetch.Client, cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{fetcher: fetcher, cfg: cfg, base: base}
}

// GetConversation returns conversation metadata.
func (c *Client) GetConversation(ctx context.Context, ref string) (*Conversation, error) {
	p := fetch.DefaultPolicy()
	if c.cfg.MetadataAttempts > 0 {
		p.MaxAttempts = c.cfg.MetadataAttempts
	}

	resp, err := c.fetcher.Do(ctx, c.conversationRequest(ref), p)
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", ref, err)
	}

	var conv Conversation
	if err := json.Unmarshal(resp.Body, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", ref, err)
	}
	return &conv, nil
}

// GetTranscript returns the raw conversation payload once the provider has
// finished processing the call. A call that is still in progress is
// treated as not ready and retried.
func (c *Client) GetTranscript(ctx context.Context, ref string) ([]byte, error) {
	p := fetch.DefaultPolicy()
	if c.cfg.TranscriptAttempts > 0 {
		p.MaxAttempts = c.cfg.TranscriptAttempts
	}
	p.Classify = classifyTranscript

	resp, err := c.fetcher.Do(ctx, c.conversationRequest(ref), p)
	if err != nil {
		return nil, fmt.Errorf("get transcript %s: %w", ref, err)
	}
	return resp.Body, nil
}

func (c *Client) conversationRequest(ref string) fetch.RequestFunc {
	u := c.base + "/v1/convai/conversations/" + url.PathEscape(ref)
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("xi-api-key", c.cfg.APIKey)
		}
		return req, nil
	}
}

// classifyTranscript extends the status classifier: a 200 whose
// conversation is still being processed is not ready yet.
func classifyTranscript(resp *fetch.Response, err error) fetch.Class {
	class := fetch.ClassifyStatus(resp, err)
	if class != fetch.ClassOK {
		return class
	}
	var head struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(resp.Body, &head) != nil {
		return fetch.ClassOK
	}
	switch head.Status {
	case StatusInitiated, StatusInProgress, StatusProcessing:
		return fetch.ClassNotReady
	}
	return fetch.ClassOK
}
