package rsprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/ermakov-oleg/runtime-settings-go/rsstore"
)

// RemoteProvider polls the runtime-settings diff server over HTTP, per
// spec.md §4.3: GET {BaseURL}/v3/get-runtime-settings/ with runtime/
// version/application/mcs_run_env query params and an X-OperationId header.
type RemoteProvider struct {
	BaseURL     string
	Application string
	McsRunEnv   string

	HTTPClient *http.Client
	Limiter    *rate.Limiter

	backoff *backoff.Backoff
}

// NewRemoteProvider builds a RemoteProvider against baseURL. The client
// throttles itself to at most one request per second with small bursts, and
// retries transient failures with jittered exponential backoff.
func NewRemoteProvider(baseURL, application, mcsRunEnv string) *RemoteProvider {
	return &RemoteProvider{
		BaseURL:     baseURL,
		Application: application,
		McsRunEnv:   mcsRunEnv,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
		Limiter:     rate.NewLimiter(rate.Every(time.Second), 3),
		backoff: &backoff.Backoff{
			Min:    200 * time.Millisecond,
			Max:    5 * time.Second,
			Jitter: true,
		},
	}
}

const runtimeKind = "go"

// Load implements Provider. It makes up to 3 attempts, with backoff between
// them, before giving up; a non-2xx response carries the response body
// verbatim in the returned error.
func (p *RemoteProvider) Load(ctx context.Context, currentVersion string) (rsstore.Response, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return rsstore.Response{}, ctx.Err()
			case <-time.After(p.backoff.Duration()):
			}
		}

		resp, err := p.loadOnce(ctx, currentVersion)
		if err == nil {
			p.backoff.Reset()
			return resp, nil
		}
		lastErr = err
	}
	return rsstore.Response{}, lastErr
}

func (p *RemoteProvider) loadOnce(ctx context.Context, currentVersion string) (rsstore.Response, error) {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return rsstore.Response{}, err
		}
	}

	endpoint, err := url.Parse(p.BaseURL)
	if err != nil {
		return rsstore.Response{}, fmt.Errorf("invalid base url: %w", err)
	}
	endpoint.Path = joinPath(endpoint.Path, "v3", "get-runtime-settings")

	q := endpoint.Query()
	q.Set("runtime", runtimeKind)
	q.Set("version", currentVersion)
	q.Set("application", p.Application)
	if p.McsRunEnv != "" {
		q.Set("mcs_run_env", p.McsRunEnv)
	}
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return rsstore.Response{}, err
	}
	req.Header.Set("X-OperationId", uuid.New().String())

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return rsstore.Response{}, fmt.Errorf("request runtime settings: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return rsstore.Response{}, fmt.Errorf("read runtime settings response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rsstore.Response{}, fmt.Errorf("runtime settings server returned %d: %s", resp.StatusCode, string(body))
	}

	var out rsstore.Response
	if err := json.Unmarshal(body, &out); err != nil {
		return rsstore.Response{}, fmt.Errorf("decode runtime settings response: %w", err)
	}
	return out, nil
}

func joinPath(base string, segments ...string) string {
	p := base
	for _, s := range segments {
		if len(p) == 0 || p[len(p)-1] != '/' {
			p += "/"
		}
		p += s
	}
	if len(p) == 0 || p[len(p)-1] != '/' {
		p += "/"
	}
	return p
}
