package session

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/aistudioproxy/gateway/internal/errdefs"
	"github.com/aistudioproxy/gateway/internal/infrastructure/logging"
)

// Remote drives the browser sidecar over its HTTP control API. Each method
// maps to one sidecar endpoint; selectors and widget automation stay on the
// sidecar side of the wire.
type Remote struct {
	client *resty.Client
	gate   *Gate
	log    *logging.Logger
}

// controlReply is the sidecar's uniform response envelope.
type controlReply struct {
	OK      bool   `json:"ok"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewRemote creates a controller talking to the sidecar at baseURL.
func NewRemote(baseURL string, log *logging.Logger) *Remote {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "studio-proxy/1.0").
		SetTransport(retryClient.HTTPClient.Transport)

	return &Remote{
		client: client,
		gate:   NewGate(defaultTripThreshold, defaultCooloff),
		log:    log,
	}
}

// post runs one control call and normalizes failures into typed errors.
// Long-running calls rely on ctx for their deadline, not a client timeout.
func (r *Remote) post(ctx context.Context, path string, body any) (*controlReply, error) {
	var reply controlReply
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&reply).
		Post(path)
	if err != nil {
		if ctx.Err() != nil {
			// Client-caused; says nothing about sidecar health.
			return nil, ctx.Err()
		}
		r.gate.Record(false)
		return nil, errdefs.Upstream("", 0, "session control call failed: "+err.Error())
	}
	if resp.IsError() {
		r.gate.Record(false)
		msg := reply.Error
		if msg == "" {
			msg = resp.Status()
		}
		return nil, errdefs.Upstream("", resp.StatusCode(), "session control rejected: "+msg)
	}
	if !reply.OK && reply.Error != "" {
		// The sidecar answered; the failure is request-level, not transport.
		return nil, errdefs.Upstream("", 0, "session control error: "+reply.Error)
	}
	r.gate.Record(true)
	return &reply, nil
}

// IsReady probes the sidecar with a short bound so callers never hang on a
// readiness check. While the gate is tripped it answers false without a
// network call.
func (r *Remote) IsReady(ctx context.Context) bool {
	if r.gate.Tripped() {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var reply controlReply
	resp, err := r.client.R().
		SetContext(probeCtx).
		SetResult(&reply).
		Get("/session/ready")
	if err != nil || resp.IsError() {
		return false
	}
	return reply.OK
}

func (r *Remote) Submit(ctx context.Context, reqID, prompt string) error {
	r.log.Debug("submitting prompt", zap.String("req_id", reqID), zap.Int("prompt_len", len(prompt)))
	_, err := r.post(ctx, "/session/submit", map[string]string{
		"req_id": reqID,
		"prompt": prompt,
	})
	return err
}

func (r *Remote) SwitchModel(ctx context.Context, modelID string) error {
	r.log.Info("switching model", zap.String("model", modelID))
	_, err := r.post(ctx, "/session/model", map[string]string{"model": modelID})
	return err
}

func (r *Remote) AdjustParameters(ctx context.Context, p Params) error {
	body := map[string]any{}
	if p.Temperature != nil {
		body["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		body["top_p"] = *p.TopP
	}
	if p.MaxTokens != nil {
		body["max_tokens"] = *p.MaxTokens
	}
	if len(p.Stop) > 0 {
		body["stop"] = p.Stop
	}
	if len(body) == 0 {
		return nil
	}
	_, err := r.post(ctx, "/session/params", body)
	return err
}

// AwaitFinalContent long-polls the sidecar until the response text settles.
func (r *Remote) AwaitFinalContent(ctx context.Context, reqID string) (string, error) {
	reply, err := r.post(ctx, "/session/response", map[string]string{"req_id": reqID})
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

func (r *Remote) ClearHistory(ctx context.Context) error {
	_, err := r.post(ctx, "/session/clear", nil)
	return err
}

// ReloadPage asks the sidecar for a soft page reload, bounded to roughly the
// reload-plus-settle window.
func (r *Remote) ReloadPage(ctx context.Context) error {
	reloadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := r.post(reloadCtx, "/session/reload", nil)
	return err
}

func (r *Remote) Reconnect(ctx context.Context, profilePath string) error {
	r.log.Info("reconnecting session", zap.String("profile", profilePath))
	_, err := r.post(ctx, "/session/reconnect", map[string]string{"profile": profilePath})
	return err
}
