package ingest

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/hdmeal/hdmeal/store"
)

const (
	defaultNEISBaseURL = "https://open.neis.go.kr/hub"
	neisServiceName    = "neis"
	neisPageSize       = 1000
	// NEIS rejects very wide ranges on the timetable endpoint; one month
	// per call is safe across all three endpoints.
	neisMaxSpanDays = 30
	neisDateLayout  = "20060102"
)

// NEISConnector fetches meal, academic schedule and timetable data from
// the Korean national education information system.
type NEISConnector struct {
	client     *Client
	baseURL    string
	apiKey     string
	officeCode string
	schoolCode string
}

func NewNEISConnector(client *Client, apiKey, officeCode, schoolCode string) *NEISConnector {
	return &NEISConnector{
		client:     client,
		baseURL:    defaultNEISBaseURL,
		apiKey:     apiKey,
		officeCode: officeCode,
		schoolCode: schoolCode,
	}
}

// WithBaseURL points the connector at a different endpoint root. Used by
// tests to target a local fake.
func (c *NEISConnector) WithBaseURL(baseURL string) *NEISConnector {
	c.baseURL = baseURL
	return c
}

func (c *NEISConnector) MaxSpanDays() int {
	return neisMaxSpanDays
}

func (c *NEISConnector) Fetch(ctx context.Context, dataType store.DataType, dateRange store.DateRange) ([]RawRecord, error) {
	switch dataType {
	case store.DataTypeMeal:
		return c.fetchMeals(ctx, dateRange)
	case store.DataTypeSchedule:
		return c.fetchSchedules(ctx, dateRange)
	case store.DataTypeTimetable:
		return c.fetchTimetables(ctx, dateRange)
	default:
		return nil, permanentErr(neisServiceName, errors.Errorf("unsupported data type %s", dataType))
	}
}

// neisSection is one element of the two-element envelope array NEIS wraps
// every result in: the first carries head metadata, the second the rows.
type neisSection struct {
	Head []json.RawMessage `json:"head"`
	Row  []json.RawMessage `json:"row"`
}

func neisRows(sections []neisSection) []json.RawMessage {
	var rows []json.RawMessage
	for _, section := range sections {
		rows = append(rows, section.Row...)
	}
	return rows
}

func (c *NEISConnector) baseParams() url.Values {
	return url.Values{
		"KEY":                {c.apiKey},
		"Type":               {"json"},
		"ATPT_OFCDC_SC_CODE": {c.officeCode},
		"SD_SCHUL_CODE":      {c.schoolCode},
	}
}

func (c *NEISConnector) fetchMeals(ctx context.Context, dateRange store.DateRange) ([]RawRecord, error) {
	params := c.baseParams()
	params.Set("MMEAL_SC_CODE", "2") // lunch
	params.Set("MLSV_FROM_YMD", dateRange.Start.Format(neisDateLayout))
	params.Set("MLSV_TO_YMD", dateRange.End.Format(neisDateLayout))

	var payload struct {
		Sections []neisSection `json:"mealServiceDietInfo"`
	}
	if err := c.client.GetJSON(ctx, neisServiceName, c.baseURL+"/mealServiceDietInfo", params, &payload); err != nil {
		return nil, err
	}

	var records []RawRecord
	for _, row := range neisRows(payload.Sections) {
		var key struct {
			Date string `json:"MLSV_YMD"`
		}
		if err := json.Unmarshal(row, &key); err != nil {
			return nil, permanentErr(neisServiceName, errors.Wrap(err, "malformed meal row"))
		}
		date, err := time.Parse(neisDateLayout, key.Date)
		if err != nil {
			return nil, permanentErr(neisServiceName, errors.Wrapf(err, "malformed meal date %q", key.Date))
		}
		records = append(records, RawRecord{Date: store.Day(date), Body: row})
	}
	return records, nil
}

func (c *NEISConnector) fetchSchedules(ctx context.Context, dateRange store.DateRange) ([]RawRecord, error) {
	params := c.baseParams()
	params.Set("AA_FROM_YMD", dateRange.Start.Format(neisDateLayout))
	params.Set("AA_TO_YMD", dateRange.End.Format(neisDateLayout))

	var payload struct {
		Sections []neisSection `json:"SchoolSchedule"`
	}
	if err := c.client.GetJSON(ctx, neisServiceName, c.baseURL+"/SchoolSchedule", params, &payload); err != nil {
		return nil, err
	}

	// Several events can fall on one date; group them so one RawRecord
	// covers one cache key.
	grouped := make(map[time.Time][]json.RawMessage)
	var order []time.Time
	for _, row := range neisRows(payload.Sections) {
		var key struct {
			Date string `json:"AA_YMD"`
		}
		if err := json.Unmarshal(row, &key); err != nil {
			return nil, permanentErr(neisServiceName, errors.Wrap(err, "malformed schedule row"))
		}
		date, err := time.Parse(neisDateLayout, key.Date)
		if err != nil {
			return nil, permanentErr(neisServiceName, errors.Wrapf(err, "malformed schedule date %q", key.Date))
		}
		day := store.Day(date)
		if _, ok := grouped[day]; !ok {
			order = append(order, day)
		}
		grouped[day] = append(grouped[day], row)
	}

	records := make([]RawRecord, 0, len(order))
	for _, day := range order {
		body, err := json.Marshal(grouped[day])
		if err != nil {
			return nil, permanentErr(neisServiceName, err)
		}
		records = append(records, RawRecord{Date: day, Body: body})
	}
	return records, nil
}

// timetableBody is the grouped timetable shape handed to the normalizer.
type timetableBody struct {
	Subjects []string `json:"subjects"`
}

func (c *NEISConnector) fetchTimetables(ctx context.Context, dateRange store.DateRange) ([]RawRecord, error) {
	params := c.baseParams()
	params.Set("pSize", strconv.Itoa(neisPageSize))
	params.Set("TI_FROM_YMD", dateRange.Start.Format(neisDateLayout))
	params.Set("TI_TO_YMD", dateRange.End.Format(neisDateLayout))

	type cellKey struct {
		date         time.Time
		grade, class int
	}
	grouped := make(map[cellKey][]string)
	var order []cellKey

	for page := 1; ; page++ {
		params.Set("pIndex", strconv.Itoa(page))

		var payload struct {
			Sections []neisSection `json:"hisTimetable"`
		}
		if err := c.client.GetJSON(ctx, neisServiceName, c.baseURL+"/hisTimetable", params, &payload); err != nil {
			return nil, err
		}
		rows := neisRows(payload.Sections)
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			var item struct {
				Date    string `json:"ALL_TI_YMD"`
				Grade   string `json:"GRADE"`
				Class   string `json:"CLASS_NM"`
				Subject string `json:"ITRT_CNTNT"`
			}
			if err := json.Unmarshal(row, &item); err != nil {
				return nil, permanentErr(neisServiceName, errors.Wrap(err, "malformed timetable row"))
			}
			grade, gradeErr := strconv.Atoi(item.Grade)
			class, classErr := strconv.Atoi(item.Class)
			if gradeErr != nil || classErr != nil || item.Subject == "" {
				// Rows without a numeric grade/class cannot be keyed.
				continue
			}
			date, err := time.Parse(neisDateLayout, item.Date)
			if err != nil {
				return nil, permanentErr(neisServiceName, errors.Wrapf(err, "malformed timetable date %q", item.Date))
			}
			key := cellKey{date: store.Day(date), grade: grade, class: class}
			if _, ok := grouped[key]; !ok {
				order = append(order, key)
			}
			grouped[key] = append(grouped[key], item.Subject)
		}

		if len(rows) < neisPageSize {
			break
		}
	}

	records := make([]RawRecord, 0, len(order))
	for _, key := range order {
		body, err := json.Marshal(timetableBody{Subjects: grouped[key]})
		if err != nil {
			return nil, permanentErr(neisServiceName, err)
		}
		records = append(records, RawRecord{
			Date:         key.date,
			Grade:        key.grade,
			ClassSection: key.class,
			Body:         body,
		})
	}
	return records, nil
}

var _ Connector = (*NEISConnector)(nil)
