package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// DataType enumerates the kinds of per-date data the cache holds.
type DataType string

const (
	DataTypeMeal             DataType = "MEAL"
	DataTypeSchedule         DataType = "SCHEDULE"
	DataTypeTimetable        DataType = "TIMETABLE"
	DataTypeWeather          DataType = "WEATHER"
	DataTypeWaterTemperature DataType = "WATER_TEMPERATURE"
)

// AllDataTypes returns every data type in a stable order.
func AllDataTypes() []DataType {
	return []DataType{
		DataTypeMeal,
		DataTypeSchedule,
		DataTypeTimetable,
		DataTypeWeather,
		DataTypeWaterTemperature,
	}
}

// DateLayout is the canonical storage format for calendar dates.
const DateLayout = "2006-01-02"

// Day truncates t to a calendar date (midnight UTC).
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a date in the canonical YYYY-MM-DD form.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a canonical YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid date %q", s)
	}
	return t, nil
}

// DateRange is an inclusive pair of calendar dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange builds a range from two dates, normalizing both to
// midnight UTC. The start must not be after the end.
func NewDateRange(start, end time.Time) (DateRange, error) {
	start, end = Day(start), Day(end)
	if start.After(end) {
		return DateRange{}, errors.Errorf("invalid date range: %s is after %s", FormatDate(start), FormatDate(end))
	}
	return DateRange{Start: start, End: end}, nil
}

// SingleDay returns the one-day range covering t.
func SingleDay(t time.Time) DateRange {
	d := Day(t)
	return DateRange{Start: d, End: d}
}

// Days returns the number of calendar days the range covers.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start)/(24*time.Hour)) + 1
}

// Dates enumerates every date in the range in ascending order.
func (r DateRange) Dates() []time.Time {
	dates := make([]time.Time, 0, r.Days())
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates
}

// Contains reports whether the date t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

func (r DateRange) String() string {
	return FormatDate(r.Start) + "~" + FormatDate(r.End)
}

// Record is one persisted cache unit. Timetable records carry a grade and
// class section; every other type uses zero for both.
type Record struct {
	ID           int32
	Type         DataType
	Date         time.Time
	Grade        int
	ClassSection int

	// Absent marks a date the upstream provider explicitly has no data
	// for (holiday, weekend, out of forecast horizon). Payload is empty
	// for absent records.
	Absent       bool
	AbsentReason string
	Payload      string // JSON

	// SyncedTs is the unix timestamp of the last successful fetch.
	SyncedTs int64
}

// DecodePayload unmarshals the record payload into v.
func (r *Record) DecodePayload(v any) error {
	if r.Absent || r.Payload == "" {
		return errors.New("record has no payload")
	}
	if err := json.Unmarshal([]byte(r.Payload), v); err != nil {
		return errors.Wrap(err, "failed to decode record payload")
	}
	return nil
}

// UpsertRecord is the atomic replace-or-insert request for a record.
type UpsertRecord struct {
	Type         DataType
	Date         time.Time
	Grade        int
	ClassSection int
	Absent       bool
	AbsentReason string
	Payload      string
	SyncedTs     int64
}

// FindRecord is the find condition for records. Results are always
// ordered by date ascending.
type FindRecord struct {
	Type         DataType
	Range        *DateRange
	Grade        *int
	ClassSection *int
}

// MealMenuItem is one dish with its allergy codes (1-18).
type MealMenuItem struct {
	Name      string `json:"name"`
	Allergies []int  `json:"allergies"`
}

// MealPayload is the canonical meal record for one date.
type MealPayload struct {
	Menus      []MealMenuItem `json:"menus"`
	MenusPlain []string       `json:"menusPlain"`
	Calories   *float64       `json:"calories,omitempty"`
}

// ScheduleEntry is one academic event with the grades it applies to.
type ScheduleEntry struct {
	Name   string `json:"name"`
	Grades []int  `json:"grades"`
}

// SchedulePayload is the canonical academic schedule for one date.
type SchedulePayload struct {
	Entries []ScheduleEntry `json:"entries"`
	Summary string          `json:"summary"`
}

// TimetablePayload is the subject list for one (date, grade, class) cell,
// in period order.
type TimetablePayload struct {
	Subjects []string `json:"subjects"`
}

// WeatherPayload is the canonical forecast for one date.
type WeatherPayload struct {
	Temp              string `json:"temp"`
	TempMin           string `json:"tempMin"`
	TempMax           string `json:"tempMax"`
	Sky               string `json:"sky"`
	Precipitation     string `json:"precipitation"`
	PrecipProbability string `json:"precipProbability"`
	Humidity          string `json:"humidity"`
	FirstHour         string `json:"firstHour"`
}

// WaterTemperaturePayload is the averaged river water temperature for one date.
type WaterTemperaturePayload struct {
	TemperatureC float64   `json:"temperatureC"`
	MeasuredAt   time.Time `json:"measuredAt"`
}

// UpsertRecord atomically replaces or inserts one cache record.
func (s *Store) UpsertRecord(ctx context.Context, upsert *UpsertRecord) (*Record, error) {
	upsert.Date = Day(upsert.Date)
	return s.driver.UpsertRecord(ctx, upsert)
}

// ListRecords reads records matching the find condition, ordered by date
// ascending. Missing dates are simply absent from the result.
func (s *Store) ListRecords(ctx context.Context, find *FindRecord) ([]*Record, error) {
	return s.driver.ListRecords(ctx, find)
}

// LatestRecord returns the most recently synchronized record of the given
// type, or nil when the cache holds none.
func (s *Store) LatestRecord(ctx context.Context, dataType DataType) (*Record, error) {
	return s.driver.LatestRecord(ctx, dataType)
}

// FreshnessOf returns the last-synchronized timestamp for a full key, or
// false when no record exists.
func (s *Store) FreshnessOf(ctx context.Context, dataType DataType, date time.Time, grade, classSection int) (int64, bool, error) {
	day := Day(date)
	r := DateRange{Start: day, End: day}
	records, err := s.driver.ListRecords(ctx, &FindRecord{
		Type:         dataType,
		Range:        &r,
		Grade:        &grade,
		ClassSection: &classSection,
	})
	if err != nil {
		return 0, false, err
	}
	if len(records) == 0 {
		return 0, false, nil
	}
	return records[0].SyncedTs, true, nil
}
