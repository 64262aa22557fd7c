package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"genbot/internal/domain"
)

const (
	defaultBaseURL = "http://localhost:7860"
	defaultTimeout = 600 * time.Second
)

// ErrorKind classifies render failures: transient ones may be worth a resubmit
// by the caller, fatal ones never are. The engine retries neither; a failed
// render surfaces as a failed job either way.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindFatal
)

// Error is a typed render failure.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "render: " + e.Msg + ": " + e.Err.Error()
	}
	return "render: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient render failure.
func IsTransient(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindTransient
}

// Params is the fully resolved payload for one txt2img call.
type Params struct {
	Prompt         string
	NegativePrompt string
	ModelName      string
	Steps          int
	CfgScale       float64
	Sampler        string
	Scheduler      string
	Seed           int64
	Width          int
	Height         int
	BatchSize      int
	Extra          map[string]any
}

// Renderer is the boundary contract the engine depends on.
type Renderer interface {
	Txt2Img(ctx context.Context, p Params) ([][]byte, error)
}

// Options configures the Stable Diffusion WebUI client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client talks to an Automatic1111-compatible txt2img endpoint. Calls are
// slow by nature; the timeout is minutes-scale and a timed-out call is
// abandoned locally, never cancelled upstream.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: baseURL, client: client}
}

type txt2imgRequest struct {
	Prompt           string         `json:"prompt"`
	NegativePrompt   string         `json:"negative_prompt"`
	Steps            int            `json:"steps"`
	CfgScale         float64        `json:"cfg_scale"`
	SamplerName      string         `json:"sampler_name,omitempty"`
	Scheduler        string         `json:"scheduler,omitempty"`
	Seed             int64          `json:"seed"`
	Width            int            `json:"width"`
	Height           int            `json:"height"`
	BatchSize        int            `json:"batch_size"`
	OverrideSettings map[string]any `json:"override_settings,omitempty"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

func (c *Client) Txt2Img(ctx context.Context, p Params) ([][]byte, error) {
	payload := txt2imgRequest{
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Steps:          p.Steps,
		CfgScale:       p.CfgScale,
		SamplerName:    p.Sampler,
		Scheduler:      p.Scheduler,
		Seed:           p.Seed,
		Width:          p.Width,
		Height:         p.Height,
		BatchSize:      p.BatchSize,
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = 1
	}
	if p.ModelName != "" && p.ModelName != "default" {
		payload.OverrideSettings = map[string]any{"sd_model_checkpoint": p.ModelName}
	}
	for k, v := range p.Extra {
		if payload.OverrideSettings == nil {
			payload.OverrideSettings = map[string]any{}
		}
		payload.OverrideSettings[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindFatal, Msg: "encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sdapi/v1/txt2img", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindFatal, Msg: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &Error{Kind: KindTransient, Msg: "render timed out", Err: err}
		}
		return nil, &Error{Kind: KindTransient, Msg: "request failed", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindFatal, Msg: fmt.Sprintf("auth rejected (status %d)", resp.StatusCode)}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindTransient, Msg: fmt.Sprintf("upstream unavailable (status %d)", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return nil, &Error{Kind: KindFatal, Msg: fmt.Sprintf("request rejected (status %d)", resp.StatusCode)}
	}

	var out txt2imgResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Kind: KindFatal, Msg: "malformed response", Err: err}
	}
	if len(out.Images) == 0 {
		return nil, &Error{Kind: KindFatal, Msg: "response contained no images"}
	}

	images := make([][]byte, 0, len(out.Images))
	for i, encoded := range out.Images {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, &Error{Kind: KindFatal, Msg: fmt.Sprintf("decode image %d", i), Err: err}
		}
		images = append(images, data)
	}
	return images, nil
}

// ParamsFromMetadata builds the render payload from a resolved metadata
// record. LoRA tags ride inside the prompt text and need no separate field.
func ParamsFromMetadata(md *domain.GenerationMetadata, batchSize int) Params {
	return Params{
		Prompt:         md.Prompt,
		NegativePrompt: md.NegativePrompt,
		ModelName:      md.ModelName,
		Steps:          md.Steps,
		CfgScale:       md.CfgScale,
		Sampler:        md.Sampler,
		Scheduler:      md.Scheduler,
		Seed:           md.Seed,
		Width:          md.Width,
		Height:         md.Height,
		BatchSize:      batchSize,
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}

var _ Renderer = (*Client)(nil)
