package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/hdmeal/hdmeal/store"
)

const (
	defaultSeoulBaseURL = "http://openapi.seoul.go.kr:8088"
	seoulServiceName    = "seoul"
	// Measurements are hourly and only the latest matters; the span
	// limit exists only to satisfy the connector contract.
	seoulMaxSpanDays = 31
)

// SeoulConnector fetches the Han river water temperature from the Seoul
// open data portal. The portal only publishes current measurements, so a
// fetch yields at most one record: today's.
type SeoulConnector struct {
	client  *Client
	baseURL string
	token   string
}

func NewSeoulConnector(client *Client, token string) *SeoulConnector {
	return &SeoulConnector{client: client, baseURL: defaultSeoulBaseURL, token: token}
}

// WithBaseURL points the connector at a different endpoint root. Used by
// tests to target a local fake.
func (c *SeoulConnector) WithBaseURL(baseURL string) *SeoulConnector {
	c.baseURL = baseURL
	return c
}

func (c *SeoulConnector) MaxSpanDays() int {
	return seoulMaxSpanDays
}

type seoulRow struct {
	Date        string `json:"YMD"`
	Hour        string `json:"HR"`
	Temperature string `json:"WATT"`
	Site        string `json:"SITE_ID"`
}

// waterBody carries the latest measurement rows to the normalizer, which
// averages the per-site temperatures.
type waterBody struct {
	Rows []seoulRow `json:"rows"`
}

func (c *SeoulConnector) Fetch(ctx context.Context, dataType store.DataType, dateRange store.DateRange) ([]RawRecord, error) {
	if dataType != store.DataTypeWaterTemperature {
		return nil, permanentErr(seoulServiceName, errors.Errorf("unsupported data type %s", dataType))
	}

	endpoint := fmt.Sprintf("%s/%s/json/WPOSInformationTime/1/5/", c.baseURL, c.token)
	var payload struct {
		Result struct {
			Row []seoulRow `json:"row"`
		} `json:"WPOSInformationTime"`
	}
	if err := c.client.GetJSON(ctx, seoulServiceName, endpoint, nil, &payload); err != nil {
		return nil, err
	}

	rows := payload.Result.Row
	if len(rows) == 0 {
		return nil, nil
	}

	measured, err := time.ParseInLocation("20060102", rows[0].Date, seoulLocation)
	if err != nil {
		return nil, permanentErr(seoulServiceName, errors.Wrapf(err, "malformed measurement date %q", rows[0].Date))
	}
	day := store.Day(measured)
	if !dateRange.Contains(day) {
		return nil, nil
	}

	body, err := json.Marshal(waterBody{Rows: rows})
	if err != nil {
		return nil, permanentErr(seoulServiceName, err)
	}
	return []RawRecord{{Date: day, Body: body}}, nil
}

var _ Connector = (*SeoulConnector)(nil)
