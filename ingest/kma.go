package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/hdmeal/hdmeal/store"
)

const (
	defaultKMABaseURL = "https://apis.data.go.kr/1360000/VilageFcstInfoService_2.0"
	kmaServiceName    = "kma"
	// The village forecast covers roughly three days ahead.
	kmaMaxSpanDays = 3
	kmaDateLayout  = "20060102"
)

// kmaBaseHours are the publication hours of the village forecast; each
// run becomes available about ten minutes past the hour.
var kmaBaseHours = []int{23, 20, 17, 14, 11, 8, 5, 2}

var seoulLocation = mustLoadLocation("Asia/Seoul")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// KMAConnector fetches the village weather forecast from the Korea
// Meteorological Administration.
type KMAConnector struct {
	client  *Client
	baseURL string
	apiKey  string
	gridNX  int
	gridNY  int
	now     func() time.Time
}

func NewKMAConnector(client *Client, apiKey string, gridNX, gridNY int) *KMAConnector {
	return &KMAConnector{
		client:  client,
		baseURL: defaultKMABaseURL,
		apiKey:  apiKey,
		gridNX:  gridNX,
		gridNY:  gridNY,
		now:     time.Now,
	}
}

// WithBaseURL points the connector at a different endpoint root. Used by
// tests to target a local fake.
func (c *KMAConnector) WithBaseURL(baseURL string) *KMAConnector {
	c.baseURL = baseURL
	return c
}

// WithClock substitutes the wall clock used for base-time selection.
func (c *KMAConnector) WithClock(now func() time.Time) *KMAConnector {
	c.now = now
	return c
}

func (c *KMAConnector) MaxSpanDays() int {
	return kmaMaxSpanDays
}

// baseDateTime returns the newest published forecast run not after now.
// Before the day's first run (02:10 KST) it falls back to yesterday 23:00.
func baseDateTime(now time.Time) (string, string) {
	now = now.In(seoulLocation)
	if now.Hour() < 2 || (now.Hour() == 2 && now.Minute() < 10) {
		yesterday := now.AddDate(0, 0, -1)
		return yesterday.Format(kmaDateLayout), "2300"
	}
	hour := 2
	for _, h := range kmaBaseHours {
		available := time.Date(now.Year(), now.Month(), now.Day(), h, 10, 0, 0, seoulLocation)
		if !now.Before(available) {
			hour = h
			break
		}
	}
	return now.Format(kmaDateLayout), fmt.Sprintf("%02d00", hour)
}

type kmaItem struct {
	Category string `json:"category"`
	Date     string `json:"fcstDate"`
	Time     string `json:"fcstTime"`
	Value    string `json:"fcstValue"`
}

// weatherBody is the per-date slice of forecast values handed to the
// normalizer: the representative time slot's categories plus the daily
// min/max temperatures.
type weatherBody struct {
	SlotTime string            `json:"slotTime"`
	Values   map[string]string `json:"values"`
	TempMin  string            `json:"tempMin"`
	TempMax  string            `json:"tempMax"`
}

func (c *KMAConnector) Fetch(ctx context.Context, dataType store.DataType, dateRange store.DateRange) ([]RawRecord, error) {
	if dataType != store.DataTypeWeather {
		return nil, permanentErr(kmaServiceName, errors.Errorf("unsupported data type %s", dataType))
	}

	baseDate, baseTime := baseDateTime(c.now())
	params := url.Values{
		"serviceKey": {c.apiKey},
		"pageNo":     {"1"},
		"numOfRows":  {"1000"},
		"dataType":   {"JSON"},
		"base_date":  {baseDate},
		"base_time":  {baseTime},
		"nx":         {strconv.Itoa(c.gridNX)},
		"ny":         {strconv.Itoa(c.gridNY)},
	}

	var payload struct {
		Response struct {
			Header struct {
				ResultCode string `json:"resultCode"`
				ResultMsg  string `json:"resultMsg"`
			} `json:"header"`
			Body struct {
				Items struct {
					Item []kmaItem `json:"item"`
				} `json:"items"`
			} `json:"body"`
		} `json:"response"`
	}
	if err := c.client.GetJSON(ctx, kmaServiceName, c.baseURL+"/getVilageFcst", params, &payload); err != nil {
		return nil, err
	}
	if code := payload.Response.Header.ResultCode; code != "" && code != "00" {
		// Result code 03 is "no data"; everything else is a request
		// problem that retrying the same call will not fix.
		if code == "03" {
			return nil, nil
		}
		return nil, permanentErr(kmaServiceName, errors.Errorf("result code %s: %s", code, payload.Response.Header.ResultMsg))
	}

	items := payload.Response.Body.Items.Item
	if len(items) == 0 {
		return nil, nil
	}

	byDate := make(map[string][]kmaItem)
	var order []string
	for _, item := range items {
		if _, ok := byDate[item.Date]; !ok {
			order = append(order, item.Date)
		}
		byDate[item.Date] = append(byDate[item.Date], item)
	}

	var records []RawRecord
	for _, dateKey := range order {
		date, err := time.Parse(kmaDateLayout, dateKey)
		if err != nil {
			return nil, permanentErr(kmaServiceName, errors.Wrapf(err, "malformed forecast date %q", dateKey))
		}
		day := store.Day(date)
		if !dateRange.Contains(day) {
			continue
		}
		body, err := json.Marshal(buildWeatherBody(byDate[dateKey]))
		if err != nil {
			return nil, permanentErr(kmaServiceName, err)
		}
		records = append(records, RawRecord{Date: day, Body: body})
	}
	return records, nil
}

// buildWeatherBody picks the representative slot for one date: 09:00 when
// the forecast still covers it, otherwise the earliest forecast hour.
func buildWeatherBody(items []kmaItem) weatherBody {
	slot := ""
	for _, item := range items {
		if item.Category == "TMP" && item.Time == "0900" {
			slot = item.Time
			break
		}
	}
	if slot == "" {
		for _, item := range items {
			if item.Category == "TMP" {
				slot = item.Time
				break
			}
		}
	}

	body := weatherBody{SlotTime: slot, Values: make(map[string]string)}
	for _, item := range items {
		switch item.Category {
		case "TMN":
			body.TempMin = item.Value
		case "TMX":
			body.TempMax = item.Value
		default:
			if item.Time == slot {
				body.Values[item.Category] = item.Value
			}
		}
	}
	return body
}

var _ Connector = (*KMAConnector)(nil)
