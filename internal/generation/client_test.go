package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/contentforge/licensing-api/internal/config"
	"github.com/contentforge/licensing-api/pkg/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(serverURL string) *Client {
	return NewClient(config.GenerationConfig{
		Endpoint:         serverURL,
		APIKey:           "test-key",
		Model:            "test-model",
		Timeout:          5 * time.Second,
		DefaultTokenCost: 1,
	})
}

func TestGenerate(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"generated copy","tokens_used":12}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	result, err := client.Generate(context.Background(), "write an intro")
	require.NoError(t, err)
	assert.Equal(t, "generated copy", result.Text)
	assert.Equal(t, int64(12), result.TokensUsed)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotBody["model"])
	assert.Equal(t, "write an intro", gotBody["prompt"])
}

func TestGenerateDefaultsTokenCost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"short"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	result, err := client.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.TokensUsed)
}

func TestGenerateUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	_, err := client.Generate(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrFetch))
}

func TestGenerateUnreachableEndpoint(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1")

	_, err := client.Generate(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrFetch))
}
