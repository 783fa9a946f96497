package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetJSONClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   bool
		transient bool
	}{
		{name: "ok", status: http.StatusOK, body: `{"value":1}`},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true, transient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: true, transient: true},
		{name: "bad request", status: http.StatusBadRequest, wantErr: true, transient: false},
		{name: "unauthorized", status: http.StatusUnauthorized, wantErr: true, transient: false},
		{name: "garbled body", status: http.StatusOK, body: `{"value":`, wantErr: true, transient: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			var out struct {
				Value int `json:"value"`
			}
			err := NewClient(time.Second).GetJSON(context.Background(), "test", server.URL, nil, &out)
			if !tt.wantErr {
				require.NoError(t, err)
				require.Equal(t, 1, out.Value)
				return
			}
			require.Error(t, err)
			require.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestGetJSONSendsQueryParams(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("KEY")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	var out map[string]any
	err := NewClient(time.Second).GetJSON(context.Background(), "test", server.URL,
		url.Values{"KEY": {"secret"}}, &out)
	require.NoError(t, err)
	require.Equal(t, "secret", gotKey)
}
