package sync

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

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(srv.URL, 2*time.Second, &StaticTokenSource{Value: "tok"}), srv
}

func TestStartSessionReturnsServerID(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/start", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "10.140.0.5", req.IP)

		json.NewEncoder(w).Encode(map[string]string{"sessionId": "srv-123"})
	}))
	defer srv.Close()

	id, err := client.StartSession(context.Background(), StartRequest{
		IP:                "10.140.0.5",
		ValidationMethods: []string{"ip", "location"},
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-123", id)
}

func TestErrorKindMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, KindAuthFailed},
		{"not found", http.StatusNotFound, KindNotFound},
		{"bad gateway", http.StatusBadGateway, KindNetwork},
		{"service unavailable", http.StatusServiceUnavailable, KindNetwork},
		{"gateway timeout", http.StatusGatewayTimeout, KindNetwork},
		{"server error", http.StatusInternalServerError, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			err := client.UpdateSession(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))

			apiErr, ok := err.(*APIError)
			require.True(t, ok)
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestTransportFailureIsNetworkKind(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on

	client := NewClient(srv.URL, time.Second, &StaticTokenSource{Value: "tok"})
	err := client.EndSession(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestMissingTokenIsAuthKind(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the server without a credential")
	}))
	defer srv.Close()

	client.tokens = &StaticTokenSource{Value: ""}
	err := client.UpdateSession(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindAuthFailed, KindOf(err))
}

func TestBackgroundSyncPayload(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)

	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/background-sync", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sess-1", body["sessionId"])
		assert.Equal(t, float64(1200), body["duration"])

		json.NewEncoder(w).Encode(map[string]string{"message": "ok"})
	}))
	defer srv.Close()

	err := client.BackgroundSync(context.Background(), BackgroundSyncRequest{
		SessionID: "sess-1",
		StartTime: start,
		EndTime:   end,
		Duration:  1200,
		IP:        "10.140.0.5",
	})
	assert.NoError(t, err)
}

func TestFileTokenSourceValidity(t *testing.T) {
	assert.False(t, (&FileTokenSource{Path: "/nonexistent/token"}).Valid())
}
