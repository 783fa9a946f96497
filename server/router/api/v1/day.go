package v1

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hdmeal/hdmeal/server/syncer"
	"github.com/hdmeal/hdmeal/store"
)

// DaySnapshot is everything the cache holds for one date. Sections the
// providers have no data for are null.
type DaySnapshot struct {
	Date             string                         `json:"date"`
	Meal             *store.MealPayload             `json:"meal"`
	Schedule         *store.SchedulePayload         `json:"schedule"`
	Timetable        map[string]map[string][]string `json:"timetable"`
	Weather          *store.WeatherPayload          `json:"weather"`
	WaterTemperature *store.WaterTemperaturePayload `json:"waterTemperature"`
}

// DaysResponse is the snapshot list plus the outcome of the sync pass
// that preceded it. On partial failure the snapshots are whatever the
// cache still holds.
type DaysResponse struct {
	SyncState syncer.SyncState `json:"syncState"`
	Days      []*DaySnapshot   `json:"days"`
}

// GetDays returns snapshots for an inclusive date range.
// GET /api/app/days?from=YYYY-MM-DD&to=YYYY-MM-DD
func (s *APIV1Service) GetDays(c echo.Context) error {
	from, err := store.ParseDate(c.QueryParam("from"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid from date"})
	}
	to, err := store.ParseDate(c.QueryParam("to"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid to date"})
	}
	window, err := store.NewDateRange(from, to)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "from date is after to date"})
	}
	if window.Days() > s.Engine.MaxRangeDays() {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("range spans %d days, the maximum is %d", window.Days(), s.Engine.MaxRangeDays()),
		})
	}
	return s.respondWithWindow(c, window)
}

// GetDay returns the snapshot for one date.
// GET /api/app/days/:day
func (s *APIV1Service) GetDay(c echo.Context) error {
	date, err := store.ParseDate(c.Param("day"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid date"})
	}
	return s.respondWithWindow(c, store.SingleDay(date))
}

func (s *APIV1Service) respondWithWindow(c echo.Context, window store.DateRange) error {
	ctx := c.Request().Context()
	result, err := s.Engine.EnsureSynced(ctx, window)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to synchronize").SetInternal(err)
	}

	days, err := s.buildSnapshots(c, window)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to read cache").SetInternal(err)
	}

	c.Response().Header().Set(HeaderRange, window.String())
	return c.JSON(http.StatusOK, &DaysResponse{SyncState: result.State, Days: days})
}

func (s *APIV1Service) buildSnapshots(c echo.Context, window store.DateRange) ([]*DaySnapshot, error) {
	ctx := c.Request().Context()
	byDate := make(map[string]*DaySnapshot, window.Days())
	days := make([]*DaySnapshot, 0, window.Days())
	for _, date := range window.Dates() {
		snapshot := &DaySnapshot{Date: store.FormatDate(date)}
		byDate[snapshot.Date] = snapshot
		days = append(days, snapshot)
	}

	for _, dataType := range store.AllDataTypes() {
		records, err := s.Engine.ReadCached(ctx, dataType, window)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if record.Absent {
				continue
			}
			snapshot := byDate[store.FormatDate(record.Date)]
			if snapshot == nil {
				continue
			}
			if err := fillSnapshot(snapshot, dataType, record); err != nil {
				return nil, err
			}
		}
	}
	return days, nil
}

func fillSnapshot(snapshot *DaySnapshot, dataType store.DataType, record *store.Record) error {
	switch dataType {
	case store.DataTypeMeal:
		var payload store.MealPayload
		if err := record.DecodePayload(&payload); err != nil {
			return err
		}
		snapshot.Meal = &payload
	case store.DataTypeSchedule:
		var payload store.SchedulePayload
		if err := record.DecodePayload(&payload); err != nil {
			return err
		}
		snapshot.Schedule = &payload
	case store.DataTypeTimetable:
		var payload store.TimetablePayload
		if err := record.DecodePayload(&payload); err != nil {
			return err
		}
		if snapshot.Timetable == nil {
			snapshot.Timetable = make(map[string]map[string][]string)
		}
		grade := strconv.Itoa(record.Grade)
		if snapshot.Timetable[grade] == nil {
			snapshot.Timetable[grade] = make(map[string][]string)
		}
		snapshot.Timetable[grade][strconv.Itoa(record.ClassSection)] = payload.Subjects
	case store.DataTypeWeather:
		var payload store.WeatherPayload
		if err := record.DecodePayload(&payload); err != nil {
			return err
		}
		snapshot.Weather = &payload
	case store.DataTypeWaterTemperature:
		var payload store.WaterTemperaturePayload
		if err := record.DecodePayload(&payload); err != nil {
			return err
		}
		snapshot.WaterTemperature = &payload
	}
	return nil
}

// MetaResponse describes the instance for the app frontends.
type MetaResponse struct {
	Version      string `json:"version"`
	Build        int    `json:"build"`
	NumGrades    int    `json:"numGrades"`
	NumClasses   int    `json:"numClasses"`
	MaxRangeDays int    `json:"maxRangeDays"`
}

// GetMeta returns instance metadata.
// GET /api/app/meta
func (s *APIV1Service) GetMeta(c echo.Context) error {
	return c.JSON(http.StatusOK, &MetaResponse{
		Version:      s.Profile.Version,
		Build:        s.Profile.Build,
		NumGrades:    s.Profile.NumGrades,
		NumClasses:   s.Profile.NumClasses,
		MaxRangeDays: s.Profile.MaxRangeDays,
	})
}
