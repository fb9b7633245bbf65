package translate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req translateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Q)
		assert.Equal(t, "auto", req.Source)
		assert.Equal(t, "es", req.Target)
		json.NewEncoder(w).Encode(translateResponse{TranslatedText: "hola"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	assert.Equal(t, "hola", c.Translate(context.Background(), "hello", "es"))
}

func TestTranslateServerErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	assert.Equal(t, "hello", c.Translate(context.Background(), "hello", "es"))
}

func TestTranslateUnreachableFallsBack(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", 100*time.Millisecond)
	assert.Equal(t, "hello", c.Translate(context.Background(), "hello", "es"))
}

func TestTranslateMalformedResponseFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	assert.Equal(t, "hello", c.Translate(context.Background(), "hello", "es"))
}

func TestDisabledClientIsIdentity(t *testing.T) {
	c := NewClient("", 0)
	assert.False(t, c.Enabled())
	assert.Equal(t, "bonjour", c.Translate(context.Background(), "bonjour", "en"))
}

func TestEmptyTargetIsIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected without a target language")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	assert.Equal(t, "hello", c.Translate(context.Background(), "hello", ""))
}
