// Package policyclient is a thin HTTP client for an external,
// OPA-compatible policy evaluator (spec.md §4.4). Unlike a typical
// fail-closed PDP adapter that swallows transport errors into a silent
// deny, this client surfaces evaluator unavailability as an explicit
// error so the caller can audit it with outcome=error and never
// fail-open by mistaking "unreachable" for "denied".
package policyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
)

// ErrEvaluatorUnavailable wraps every transport, timeout, or malformed
// response failure talking to the evaluator.
var ErrEvaluatorUnavailable = errors.New("policyclient: evaluator unavailable")

const defaultTimeout = 5 * time.Second

// Config configures the Client.
type Config struct {
	// BaseURL is the evaluator's base address, e.g. "http://opa.internal:8181".
	BaseURL string
	// DecisionPath is the data path queried for evaluate(), e.g.
	// "/v1/data/mesh/authz". Defaults to "/v1/data/mesh/authz".
	DecisionPath string
	// Timeout bounds every HTTP call. Default 5s.
	Timeout time.Duration
}

// Client is the policy evaluator's HTTP binding.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a Client. cfg.DecisionPath and cfg.Timeout are defaulted
// if left unset.
func New(cfg Config) *Client {
	if cfg.DecisionPath == "" {
		cfg.DecisionPath = "/v1/data/mesh/authz"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

// EvaluateInput is the principal/resource/action tuple evaluated against
// the active policy set (spec.md §4.4).
type EvaluateInput struct {
	PrincipalType string         `json:"principal_type"`
	PrincipalID   string         `json:"principal_id"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	Action        string         `json:"action"`
	Context       map[string]any `json:"context,omitempty"`
}

type opaRequestBody struct {
	Input EvaluateInput `json:"input"`
}

type opaResponseBody struct {
	Result *meshrpc.PolicyDecision `json:"result"`
}

// Evaluate calls the evaluator's decision endpoint. Default is deny: a
// missing or null result is treated as allow=false, never an error. A
// transport failure, non-200 response, or unparseable body (including a
// result that does not decode as a decision) returns
// ErrEvaluatorUnavailable, which callers must turn into EVALUATOR_UNAVAILABLE
// and never interpret as a legitimate deny.
func (c *Client) Evaluate(ctx context.Context, input EvaluateInput) (meshrpc.PolicyDecision, error) {
	payload, err := json.Marshal(opaRequestBody{Input: input})
	if err != nil {
		return meshrpc.PolicyDecision{}, fmt.Errorf("%w: marshal input: %v", ErrEvaluatorUnavailable, err)
	}

	url := c.cfg.BaseURL + c.cfg.DecisionPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return meshrpc.PolicyDecision{}, fmt.Errorf("%w: build request: %v", ErrEvaluatorUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return meshrpc.PolicyDecision{}, fmt.Errorf("%w: %v", ErrEvaluatorUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return meshrpc.PolicyDecision{}, fmt.Errorf("%w: http %d", ErrEvaluatorUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return meshrpc.PolicyDecision{}, fmt.Errorf("%w: read body: %v", ErrEvaluatorUnavailable, err)
	}

	var body opaResponseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return meshrpc.PolicyDecision{}, fmt.Errorf("%w: parse body: %v", ErrEvaluatorUnavailable, err)
	}
	if body.Result == nil {
		return meshrpc.PolicyDecision{Allow: false, Reason: "no result from evaluator"}, nil
	}
	return *body.Result, nil
}

// --- Policy administration (spec.md §4.4, §4.7) ---

type uploadPolicyBody struct {
	Body string `json:"body"`
}

// UploadPolicy stores a rego policy body under policyID in the
// evaluator. Disk persistence (when persist=true) is the caller's
// responsibility (pkg/policyadmin), not this client's.
func (c *Client) UploadPolicy(ctx context.Context, policyID, body string) error {
	payload, err := json.Marshal(uploadPolicyBody{Body: body})
	if err != nil {
		return fmt.Errorf("%w: marshal body: %v", ErrEvaluatorUnavailable, err)
	}
	url := fmt.Sprintf("%s/v1/policies/%s", c.cfg.BaseURL, policyID)
	return c.doNoContent(ctx, http.MethodPut, url, payload)
}

// DeletePolicy removes policyID from the evaluator.
func (c *Client) DeletePolicy(ctx context.Context, policyID string) error {
	url := fmt.Sprintf("%s/v1/policies/%s", c.cfg.BaseURL, policyID)
	return c.doNoContent(ctx, http.MethodDelete, url, nil)
}

type listPoliciesResponse struct {
	Result []struct {
		ID string `json:"id"`
	} `json:"result"`
}

// ListPolicies returns every policy ID currently loaded in the evaluator.
func (c *Client) ListPolicies(ctx context.Context) ([]string, error) {
	url := c.cfg.BaseURL + "/v1/policies"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrEvaluatorUnavailable, err)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluatorUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", ErrEvaluatorUnavailable, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrEvaluatorUnavailable, err)
	}
	var body listPoliciesResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: parse body: %v", ErrEvaluatorUnavailable, err)
	}
	ids := make([]string, 0, len(body.Result))
	for _, p := range body.Result {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// GetPolicy fetches a single policy from the evaluator. It returns the
// same raw response body as GetPolicyContent; no metadata is parsed out.
func (c *Client) GetPolicy(ctx context.Context, policyID string) (string, error) {
	return c.GetPolicyContent(ctx, policyID)
}

// GetPolicyContent fetches the raw rego source of policyID.
func (c *Client) GetPolicyContent(ctx context.Context, policyID string) (string, error) {
	url := fmt.Sprintf("%s/v1/policies/%s", c.cfg.BaseURL, policyID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrEvaluatorUnavailable, err)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEvaluatorUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: http %d", ErrEvaluatorUnavailable, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrEvaluatorUnavailable, err)
	}
	return string(raw), nil
}

func (c *Client) doNoContent(ctx context.Context, method, url string, payload []byte) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrEvaluatorUnavailable, err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "text/plain")
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEvaluatorUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: http %d", ErrEvaluatorUnavailable, resp.StatusCode)
	}
	return nil
}
