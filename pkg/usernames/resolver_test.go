// Copyright 2024-2026 Aiku AI

package usernames

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/mautrix-slack/pkg/metrics"
)

type memStore struct {
	mu      sync.Mutex
	data    map[string]string
	getErr  error
	gets    int
	setKeys []string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (s *memStore) GetMatrixUsername(_ context.Context, slackUserID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return "", s.getErr
	}
	return s.data[slackUserID], nil
}

func (s *memStore) SetMatrixUsername(_ context.Context, slackUserID, matrixUsername string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[slackUserID] = matrixUsername
	s.setKeys = append(s.setKeys, slackUserID)
	return nil
}

// newAuthorityServer serves the remote lookup protocol over TLS and counts
// requests.
func newAuthorityServer(t *testing.T, handler http.HandlerFunc) (*RemoteAuthority, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	auth, err := NewRemoteAuthority(srv.URL+"/lookup", "s3cret", WithHTTPClient(srv.Client()), WithTimeout(2*time.Second))
	require.NoError(t, err)
	return auth, &calls
}

func TestResolver_RemoteThenCache(t *testing.T) {
	t.Parallel()
	auth, calls := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/lookup", r.URL.Path)
		assert.Equal(t, "s3cret", r.URL.Query().Get("secret"))
		if r.URL.Query().Get("slack_id") == "U1" {
			_, _ = w.Write([]byte(`{"matrix":"@x:y"}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":"unknown user"}`))
	})
	store := newMemStore()
	m := metrics.New(prometheus.NewRegistry())
	r := NewResolver(store, WithRemote(auth, "T1"), WithMetrics(m))

	got, ok := r.Resolve(context.Background(), "t1", "U1")
	require.True(t, ok)
	assert.Equal(t, "@x:y", got)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "@x:y", store.data["U1"])

	mapping := r.Lookup(context.Background(), "T1", "u1")
	require.NotNil(t, mapping)
	assert.Equal(t, "@x:y", mapping.MatrixUsername)
	assert.Equal(t, SourceCache, mapping.Source)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UsernameLookups.WithLabelValues("remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UsernameLookups.WithLabelValues("cache")))
}

func TestResolver_StoreTier(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.data["U2"] = "@bob:example.org"
	r := NewResolver(store)

	mapping := r.Lookup(context.Background(), "T1", "U2")
	require.NotNil(t, mapping)
	assert.Equal(t, SourceStore, mapping.Source)

	mapping = r.Lookup(context.Background(), "T1", "U2")
	require.NotNil(t, mapping)
	assert.Equal(t, SourceCache, mapping.Source)
	assert.Equal(t, 1, store.gets)
}

func TestResolver_RemoteOnlyForEnabledTeams(t *testing.T) {
	t.Parallel()
	auth, calls := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"matrix":"@x:y"}`))
	})
	r := NewResolver(newMemStore(), WithRemote(auth, "T1"))

	_, ok := r.Resolve(context.Background(), "T2", "U1")
	assert.False(t, ok)
	assert.Equal(t, int32(0), calls.Load())
}

func TestResolver_StoreErrorIsMiss(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.getErr = errors.New("disk on fire")
	r := NewResolver(store)

	_, ok := r.Resolve(context.Background(), "T1", "U1")
	assert.False(t, ok)
}

func TestResolver_AbsentEverywhere(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil)
	_, ok := r.Resolve(context.Background(), "T1", "U1")
	assert.False(t, ok)
	assert.Nil(t, r.Lookup(context.Background(), "T1", ""))
}

func TestRemoteAuthority_NotFoundCases(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"matrix":"@x:y"}`))
		}},
		{"not found status", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}},
		{"error field", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"matrix":"@x:y","error":"nope"}`))
		}},
		{"missing matrix", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}},
		{"garbage", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			auth, calls := newAuthorityServer(t, tt.handler)
			_, ok := auth.Lookup(context.Background(), "U1")
			assert.False(t, ok)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestRemoteAuthority_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	auth, err := NewRemoteAuthority(srv.URL, "s3cret", WithHTTPClient(srv.Client()), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, ok := auth.Lookup(context.Background(), "U1")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewRemoteAuthority_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewRemoteAuthority("http://example.com/lookup", "secret")
	assert.ErrorIs(t, err, ErrRemoteNotHTTPS)

	_, err = NewRemoteAuthority("https://example.com/lookup", "")
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = NewRemoteAuthority("https:///nohost", "secret")
	assert.ErrorIs(t, err, ErrRemoteNotHTTPS)

	_, err = NewRemoteAuthority("https://example.com/lookup", "secret")
	assert.NoError(t, err)
}
