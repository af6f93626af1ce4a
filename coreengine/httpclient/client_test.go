package httpclient

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

func TestDoRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/dags/submit", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["dag_id"]})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", time.Second)
	var out map[string]string
	require.NoError(t, c.Do(context.Background(), http.MethodPost, "/dags/submit", map[string]string{"dag_id": "email_1"}, &out))
	assert.Equal(t, "email_1", out["echo"])
	assert.Equal(t, srv.URL, c.BaseURL())
}

func TestDoStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "graph rejected: cycle", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := New(srv.URL, time.Second).Do(context.Background(), http.MethodPost, "/dags/submit", struct{}{}, nil)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnprocessableEntity, serr.Code)
	assert.Equal(t, "graph rejected: cycle", serr.Body)
}

func TestDoDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	var out map[string]any
	err := New(srv.URL, time.Second).Do(context.Background(), http.MethodGet, "/x", nil, &out)
	assert.ErrorContains(t, err, "decode response")
}

func TestDoTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := New(url, 100*time.Millisecond).Do(context.Background(), http.MethodGet, "/", nil, nil)
	assert.Error(t, err)
}
