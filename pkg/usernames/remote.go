// Copyright 2024-2026 Aiku AI

package usernames

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrRemoteNotHTTPS = errors.New("remote username authority must use https")
	ErrMissingSecret  = errors.New("remote username authority requires a secret")
)

const (
	defaultRemoteTimeout = 10 * time.Second
	maxRemoteBody        = 64 * 1024
)

// RemoteAuthority looks up Matrix handles over HTTP:
//
//	GET <url>?secret=<secret>&slack_id=<id>  ->  {"matrix": "...", "error": "..."}
type RemoteAuthority struct {
	url     *url.URL
	secret  string
	client  *http.Client
	timeout time.Duration
	log     zerolog.Logger
}

type RemoteOption func(*RemoteAuthority)

// WithHTTPClient replaces the HTTP client, mostly for tests.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(a *RemoteAuthority) { a.client = client }
}

func WithTimeout(timeout time.Duration) RemoteOption {
	return func(a *RemoteAuthority) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

func WithRemoteLogger(log zerolog.Logger) RemoteOption {
	return func(a *RemoteAuthority) { a.log = log }
}

// NewRemoteAuthority validates the endpoint and secret. A misconfigured
// authority is rejected here so it can never be used.
func NewRemoteAuthority(rawURL, secret string, opts ...RemoteOption) (*RemoteAuthority, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid remote username authority url")
	}
	if u.Scheme != "https" || u.Host == "" {
		return nil, ErrRemoteNotHTTPS
	}
	if secret == "" {
		return nil, ErrMissingSecret
	}
	a := &RemoteAuthority{
		url:     u,
		secret:  secret,
		client:  http.DefaultClient,
		timeout: defaultRemoteTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

type remoteResponse struct {
	Matrix *string `json:"matrix,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Lookup never returns an error: every failure is reported as not found.
func (a *RemoteAuthority) Lookup(ctx context.Context, slackUserID string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	u := *a.url
	q := u.Query()
	q.Set("secret", a.secret)
	q.Set("slack_id", slackUserID)
	u.RawQuery = q.Encode()

	log := a.log.With().Str("slack_user_id", slackUserID).Logger()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to build remote username request")
		return "", false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("Remote username lookup failed")
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Debug().Int("status", resp.StatusCode).Msg("Remote username authority returned non-success status")
		return "", false
	}
	var body remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRemoteBody)).Decode(&body); err != nil {
		log.Warn().Err(err).Msg("Failed to decode remote username response")
		return "", false
	}
	if body.Error != "" {
		log.Debug().Str("remote_error", body.Error).Msg("Remote username authority returned an error")
		return "", false
	}
	if body.Matrix == nil || *body.Matrix == "" {
		return "", false
	}
	return *body.Matrix, true
}
