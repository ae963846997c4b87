package qstash

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish(t *testing.T) {
	var gotPath, gotAuth, gotRetries string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotRetries = r.Header.Get("Upstash-Retries")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"messageId":"msg_1"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{URL: srv.URL, Token: "tok", Destination: "audit-topic", Retries: 2})
	require.NoError(t, err)

	id, err := client.Publish(context.Background(), "", map[string]any{"run_id": "r1"})
	require.NoError(t, err)
	assert.Equal(t, "msg_1", id)
	assert.Equal(t, "/v2/publish/audit-topic", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "2", gotRetries)
	assert.Equal(t, "r1", gotBody["run_id"])
}

func TestPublishStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := MustNew(Config{URL: srv.URL, Token: "tok"})
	_, err := client.Publish(context.Background(), "topic", map[string]any{})

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{Token: "tok"})
	assert.Error(t, err)

	_, err = NewClient(Config{URL: "not a url", Token: "tok"})
	assert.Error(t, err)

	_, err = NewClient(Config{URL: "https://qstash.upstash.io"})
	assert.Error(t, err)

	client := MustNew(Config{URL: "https://qstash.upstash.io", Token: "tok"})
	_, err = client.Publish(context.Background(), "", nil)
	assert.Error(t, err)
}
