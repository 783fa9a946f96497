package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hdmeal/hdmeal/store"
)

func TestSeoulFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/token/json/WPOSInformationTime/1/5/", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"WPOSInformationTime": map[string]any{
				"row": []seoulRow{
					{Date: "20260827", Hour: "10:00", Temperature: "22.1", Site: "선유"},
					{Date: "20260827", Hour: "10:00", Temperature: "22.4", Site: "안양천"},
				},
			},
		})
	}))
	defer server.Close()

	connector := NewSeoulConnector(NewClient(time.Second), "token").WithBaseURL(server.URL)
	records, err := connector.Fetch(context.Background(), store.DataTypeWaterTemperature, mustRange(t, "2026-08-26", "2026-08-28"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "2026-08-27", store.FormatDate(records[0].Date))

	var body waterBody
	require.NoError(t, json.Unmarshal(records[0].Body, &body))
	require.Len(t, body.Rows, 2)
}

func TestSeoulFetchMeasurementOutOfRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"WPOSInformationTime": map[string]any{
				"row": []seoulRow{{Date: "20260820", Hour: "10:00", Temperature: "22.1"}},
			},
		})
	}))
	defer server.Close()

	connector := NewSeoulConnector(NewClient(time.Second), "token").WithBaseURL(server.URL)
	records, err := connector.Fetch(context.Background(), store.DataTypeWaterTemperature, mustRange(t, "2026-08-26", "2026-08-28"))
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSeoulFetchUnsupportedType(t *testing.T) {
	connector := NewSeoulConnector(NewClient(time.Second), "token")
	_, err := connector.Fetch(context.Background(), store.DataTypeMeal, mustRange(t, "2026-08-26", "2026-08-28"))
	require.Error(t, err)
	require.False(t, IsTransient(err))
}
