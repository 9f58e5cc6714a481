// Package policy evaluates authorization and risk checks against an
// OPA-style policy engine, with explicit shadow/enforce and
// fail-open/fail-closed behavior.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Mode selects whether decisions are enforced or only observed.
type Mode string

const (
	// ModeShadow evaluates and logs but never blocks.
	ModeShadow Mode = "shadow"
	// ModeEnforce blocks requests the policy does not allow.
	ModeEnforce Mode = "enforce"
)

// FailMode selects the default applied when the policy engine is
// unreachable: callers must never block indefinitely on it.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// Input is the evaluation payload submitted to the policy engine.
type Input struct {
	Subject  string            `json:"subject"`
	Resource string            `json:"resource"`
	Action   string            `json:"action"`
	Context  map[string]string `json:"context,omitempty"`
}

// Decision is the normalized policy result. Every field is populated even
// when the engine returned a partial or failed response.
type Decision struct {
	PolicyID         string   `json:"policy_id"`
	PolicyVersion    string   `json:"policy_version"`
	Decision         string   `json:"decision"`
	Allow            bool     `json:"allow"`
	RequiresApproval bool     `json:"requires_approval"`
	RiskScore        int      `json:"risk_score"`
	Reasons          []string `json:"reasons"`
	Error            string   `json:"error,omitempty"`
}

// Config tunes a Client. Zero values fall back to defaults.
type Config struct {
	// URL is the policy engine base URL, e.g. "http://opa:8181".
	URL      string
	Mode     Mode
	FailMode FailMode
	Timeout  time.Duration
}

const (
	defaultURL     = "http://opa:8181"
	defaultTimeout = 800 * time.Millisecond

	resultPath = "/v1/data/ai/policy/result"
)

// Client talks to the policy engine. Safe for concurrent use.
type Client struct {
	cfg      Config
	endpoint string
	client   *http.Client
}

// NewClient builds a policy client.
func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeShadow
	}
	if cfg.FailMode == "" {
		cfg.FailMode = FailOpen
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.URL, "/") + resultPath,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Mode returns the configured enforcement mode.
func (c *Client) Mode() Mode { return c.cfg.Mode }

// engineResponse is the raw wire shape of the policy engine's answer.
type engineResponse struct {
	Result struct {
		PolicyID         string   `json:"policy_id"`
		PolicyVersion    string   `json:"policy_version"`
		Decision         string   `json:"decision"`
		Allow            *bool    `json:"allow"`
		RequiresApproval *bool    `json:"requires_approval"`
		RiskScore        int      `json:"risk_score"`
		Reasons          []string `json:"reasons"`
	} `json:"result"`
}

// Evaluate submits the input and returns a normalized decision. Transport
// or decode failures never propagate: the configured fail mode decides the
// outcome instead.
func (c *Client) Evaluate(ctx context.Context, in Input) Decision {
	body, err := json.Marshal(map[string]Input{"input": in})
	if err != nil {
		return c.fallback(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return c.fallback(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		klog.Warningf("policy engine unreachable: %v", err)
		return c.fallback(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.fallback(fmt.Sprintf("unexpected status %s", resp.Status))
	}

	var raw engineResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return c.fallback("invalid policy response: " + err.Error())
	}

	result := raw.Result
	decision := result.Decision
	if decision == "" {
		decision = "deny"
	}
	allow := decision == "allow"
	if result.Allow != nil {
		allow = *result.Allow
	}
	requiresApproval := decision == "requires_approval"
	if result.RequiresApproval != nil {
		requiresApproval = *result.RequiresApproval
	}

	return Decision{
		PolicyID:         valueOr(result.PolicyID, "unknown"),
		PolicyVersion:    valueOr(result.PolicyVersion, "unknown"),
		Decision:         decision,
		Allow:            allow,
		RequiresApproval: requiresApproval,
		RiskScore:        result.RiskScore,
		Reasons:          result.Reasons,
	}
}

// Enforce reports whether the request may proceed under the configured
// mode. Shadow mode always proceeds; enforce mode requires an allow.
func (c *Client) Enforce(d Decision) bool {
	if c.cfg.Mode != ModeEnforce {
		return true
	}
	return d.Allow
}

// fallback builds the decision applied when the engine cannot answer.
func (c *Client) fallback(errMsg string) Decision {
	open := c.cfg.FailMode == FailOpen
	decision := "deny"
	if open {
		decision = "allow"
	}
	return Decision{
		PolicyID:         "fallback",
		PolicyVersion:    "fallback",
		Decision:         decision,
		Allow:            open,
		RequiresApproval: !open,
		Reasons:          []string{"policy_unavailable"},
		Error:            errMsg,
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
