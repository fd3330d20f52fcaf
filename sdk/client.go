// Package parlo is a client SDK for duplex voice calls against an
// Ultravox-compatible backend.
//
// A Client creates calls over the REST surface; a Session joins one over a
// websocket, streaming microphone audio up and agent audio and transcripts
// down.
package parlo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/parlo-go/parlo/pkg/core"
)

// DefaultBaseURL is the production voice API endpoint. Point the client at a
// local proxy instead to keep the API key off the device.
const DefaultBaseURL = "https://api.ultravox.ai"

const defaultHTTPTimeout = 30 * time.Second

// Call creation defaults, applied when the request leaves them empty.
const (
	DefaultSystemPrompt = "You are a helpful assistant."
	DefaultTemperature  = 0.8
	DefaultVoice        = "Mark"
)

// Client is the entry point for call creation.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. The API key is read from PARLO_API_KEY unless
// set with WithAPIKey.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		c.apiKey = os.Getenv("PARLO_API_KEY")
	}
	return c
}

// NewSession creates a session that inherits the client's logger unless the
// config provides its own. Join the session to a call with Session.Connect
// using the join URL from CreateCall.
func (c *Client) NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	return NewSession(cfg)
}

// CallRequest describes the call to create. Zero values take the package
// defaults.
type CallRequest struct {
	SystemPrompt string
	Temperature  float64
	Voice        string

	// AgentSpeaksFirst makes the agent open the conversation instead of
	// waiting for the user.
	AgentSpeaksFirst bool
}

// Call is a created call, ready to be joined by a Session.
type Call struct {
	JoinURL string `json:"joinUrl"`
}

type wsMedium struct {
	InputSampleRate    int `json:"inputSampleRate"`
	OutputSampleRate   int `json:"outputSampleRate"`
	ClientBufferSizeMs int `json:"clientBufferSizeMs"`
}

type callMedium struct {
	ServerWebSocket wsMedium `json:"serverWebSocket"`
}

type createCallBody struct {
	SystemPrompt string     `json:"systemPrompt"`
	Temperature  float64    `json:"temperature"`
	Voice        string     `json:"voice"`
	FirstSpeaker string     `json:"firstSpeaker,omitempty"`
	Medium       callMedium `json:"medium"`
}

// CreateCall provisions a call and returns its join URL. The call medium is
// fixed to a server websocket at 48 kHz both ways with a 30 s client buffer,
// matching what Session streams.
func (c *Client) CreateCall(ctx context.Context, req *CallRequest) (*Call, error) {
	if c.apiKey == "" {
		return nil, core.NewAuthenticationError("no API key: set PARLO_API_KEY or use WithAPIKey")
	}
	if req == nil {
		req = &CallRequest{}
	}

	body := createCallBody{
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		Voice:        req.Voice,
		Medium: callMedium{
			ServerWebSocket: wsMedium{
				InputSampleRate:    CaptureSampleRateHz,
				OutputSampleRate:   CaptureSampleRateHz,
				ClientBufferSizeMs: 30000,
			},
		},
	}
	if body.SystemPrompt == "" {
		body.SystemPrompt = DefaultSystemPrompt
	}
	if body.Temperature == 0 {
		body.Temperature = DefaultTemperature
	}
	if body.Voice == "" {
		body.Voice = DefaultVoice
	}
	if req.AgentSpeaksFirst {
		body.FirstSpeaker = "FIRST_SPEAKER_AGENT"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode call request: %w", err)
	}

	endpoint := c.baseURL + "/api/calls"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("call creation rejected", "status", resp.StatusCode)
		return nil, core.NewUpstreamError(resp.StatusCode, string(respBody))
	}

	var call Call
	if err := json.Unmarshal(respBody, &call); err != nil {
		return nil, fmt.Errorf("decode call response: %w", err)
	}
	if call.JoinURL == "" {
		return nil, core.NewAPIError("call response missing joinUrl")
	}

	c.logger.Info("call created", "joinUrl", redactURLUserInfo(call.JoinURL))
	return &call, nil
}
