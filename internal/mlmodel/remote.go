package mlmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/shortage-forecast/internal/resilience"
)

// RemoteOption configures a Remote model client.
type RemoteOption func(*Remote)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) RemoteOption {
	return func(r *Remote) {
		r.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) {
		r.http.Timeout = d
	}
}

// WithRateLimit caps requests per second to the scoring service.
func WithRateLimit(rps float64) RemoteOption {
	return func(r *Remote) {
		r.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithMaxAttempts sets how many times a transient failure is tried.
func WithMaxAttempts(n int) RemoteOption {
	return func(r *Remote) {
		if n > 0 {
			r.policy.Attempts = n
		}
	}
}

// WithRetryPolicy replaces the retry policy.
func WithRetryPolicy(p resilience.Policy) RemoteOption {
	return func(r *Remote) {
		r.policy = p
	}
}

// Remote calls a model served over HTTP:
//
//	GET  /metadata      -> {"format_version", "name", "feature_columns"}
//	POST /predict       {"features": {...}} -> {"probability": 0.78}
//	POST /attributions  {"features": {...}} -> {"attributions": {...}}
type Remote struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	policy  resilience.Policy
	columns []string
}

// NewRemote creates a client for the scoring service at baseURL.
func NewRemote(baseURL string, opts ...RemoteOption) *Remote {
	r := &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(20), 1),
		policy:  resilience.DefaultPolicy(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.policy.OnRetry == nil {
		r.policy.OnRetry = resilience.LogRetries("model", "score")
	}
	return r
}

// RemoteLoader connects to the scoring service and checks its format version.
type RemoteLoader struct {
	BaseURL string
	Options []RemoteOption
}

// Load fetches service metadata. An unreachable or incompatible service is a
// *model.ModelLoadError.
func (l *RemoteLoader) Load(ctx context.Context) (Model, error) {
	r := NewRemote(l.BaseURL, l.Options...)
	if err := r.Init(ctx); err != nil {
		return nil, loadErr(l.BaseURL, err)
	}
	return r, nil
}

type metadataResponse struct {
	FormatVersion  string   `json:"format_version"`
	Name           string   `json:"name"`
	FeatureColumns []string `json:"feature_columns"`
}

// Init loads the feature columns and verifies the served format.
func (r *Remote) Init(ctx context.Context) error {
	var meta metadataResponse
	if err := r.call(ctx, http.MethodGet, "/metadata", nil, &meta); err != nil {
		return err
	}
	if err := CheckFormat(meta.FormatVersion); err != nil {
		return err
	}
	if len(meta.FeatureColumns) == 0 {
		return eris.New("mlmodel: remote model reports no feature columns")
	}
	r.columns = meta.FeatureColumns
	return nil
}

type featuresRequest struct {
	Features map[string]float64 `json:"features"`
}

// PredictProba implements Model.
func (r *Remote) PredictProba(ctx context.Context, features map[string]float64) (float64, error) {
	var resp struct {
		Probability *float64 `json:"probability"`
	}
	if err := r.call(ctx, http.MethodPost, "/predict", featuresRequest{Features: features}, &resp); err != nil {
		return 0, err
	}
	if resp.Probability == nil {
		return 0, eris.New("mlmodel: remote predict returned no probability")
	}
	return *resp.Probability, nil
}

// FeatureAttributions implements Model.
func (r *Remote) FeatureAttributions(ctx context.Context, features map[string]float64) (map[string]float64, error) {
	var resp struct {
		Attributions map[string]float64 `json:"attributions"`
	}
	if err := r.call(ctx, http.MethodPost, "/attributions", featuresRequest{Features: features}, &resp); err != nil {
		return nil, err
	}
	return resp.Attributions, nil
}

// FeatureColumns implements Model.
func (r *Remote) FeatureColumns() []string {
	return r.columns
}

func (r *Remote) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return eris.Wrap(err, "mlmodel: marshal request")
		}
	}

	_, err := resilience.Do(ctx, r.policy, func(ctx context.Context) (struct{}, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return struct{}{}, eris.Wrap(err, "mlmodel: rate limit wait")
		}
		return struct{}{}, r.do(ctx, method, path, payload, out)
	})
	return err
}

func (r *Remote) do(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return eris.Wrap(err, "mlmodel: create request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "mlmodel: %s %s", method, path)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "mlmodel: read response")
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("mlmodel: %s %s returned status %d: %s", method, path, resp.StatusCode, string(respBody))
		if resilience.RetryableStatus(resp.StatusCode) {
			return resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return statusErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrap(err, "mlmodel: unmarshal response")
	}
	return nil
}
