package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hdmeal/hdmeal/store"
)

// Canonical is the outcome of normalizing one raw record: either a
// type-specific payload, or an explicit absent marker (holiday, no-school
// day, out of forecast horizon).
type Canonical struct {
	Absent  bool
	Reason  string
	Payload any
}

func absent(reason string) *Canonical {
	return &Canonical{Absent: true, Reason: reason}
}

// Normalize maps one raw provider record into its canonical shape. It is
// a pure function: recognizable-but-empty inputs become absent markers,
// and only unrecognizable shapes fail, with *NormalizationError.
func Normalize(dataType store.DataType, raw RawRecord) (*Canonical, error) {
	switch dataType {
	case store.DataTypeMeal:
		return normalizeMeal(raw)
	case store.DataTypeSchedule:
		return normalizeSchedule(raw)
	case store.DataTypeTimetable:
		return normalizeTimetable(raw)
	case store.DataTypeWeather:
		return normalizeWeather(raw)
	case store.DataTypeWaterTemperature:
		return normalizeWaterTemperature(raw)
	default:
		return nil, &NormalizationError{Type: dataType, Reason: "unknown data type"}
	}
}

var (
	allergyPattern  = regexp.MustCompile(`([0-9]+)\.`)
	menuTrimPattern = regexp.MustCompile(`[ #&*+,\-.=@_]+$`)
)

func normalizeMeal(raw RawRecord) (*Canonical, error) {
	var row struct {
		Dishes   string `json:"DDISH_NM"`
		Calories string `json:"CAL_INFO"`
	}
	if err := json.Unmarshal(raw.Body, &row); err != nil {
		return nil, &NormalizationError{Type: store.DataTypeMeal, Reason: "unrecognized meal row", Err: err}
	}

	payload := store.MealPayload{Menus: []store.MealMenuItem{}, MenusPlain: []string{}}
	dishes := strings.ReplaceAll(row.Dishes, "<br/>", "\n")
	for _, dish := range strings.Split(dishes, "\n") {
		var allergies []int
		for _, match := range allergyPattern.FindAllStringSubmatch(dish, -1) {
			code, err := strconv.Atoi(match[1])
			if err == nil && code >= 1 && code <= 18 {
				allergies = append(allergies, code)
			}
		}
		cleaned := allergyPattern.ReplaceAllString(dish, "")
		cleaned = strings.ReplaceAll(cleaned, "()", "")
		cleaned = strings.TrimSpace(cleaned)
		cleaned = menuTrimPattern.ReplaceAllString(cleaned, "")
		if cleaned == "" {
			continue
		}
		payload.Menus = append(payload.Menus, store.MealMenuItem{Name: cleaned, Allergies: allergies})
		payload.MenusPlain = append(payload.MenusPlain, cleaned)
	}
	if len(payload.Menus) == 0 {
		return absent("no meal served"), nil
	}

	if row.Calories != "" {
		if kcal, err := strconv.ParseFloat(strings.TrimSuffix(row.Calories, " Kcal"), 64); err == nil {
			payload.Calories = &kcal
		}
	}
	return &Canonical{Payload: payload}, nil
}

// saturdayHoliday is the filler event NEIS emits for every non-school
// Saturday; it is noise, not a schedule entry.
const saturdayHoliday = "토요휴업일"

func normalizeSchedule(raw RawRecord) (*Canonical, error) {
	var rows []struct {
		Name   string `json:"EVENT_NM"`
		Grade1 string `json:"ONE_GRADE_EVENT_YN"`
		Grade2 string `json:"TW_GRADE_EVENT_YN"`
		Grade3 string `json:"THREE_GRADE_EVENT_YN"`
		Grade4 string `json:"FR_GRADE_EVENT_YN"`
		Grade5 string `json:"FIV_GRADE_EVENT_YN"`
		Grade6 string `json:"SIX_GRADE_EVENT_YN"`
	}
	if err := json.Unmarshal(raw.Body, &rows); err != nil {
		return nil, &NormalizationError{Type: store.DataTypeSchedule, Reason: "unrecognized schedule rows", Err: err}
	}

	payload := store.SchedulePayload{Entries: []store.ScheduleEntry{}}
	var summaryLines []string
	for _, row := range rows {
		name := strings.TrimSpace(row.Name)
		if name == "" || name == saturdayHoliday {
			continue
		}
		var grades []int
		for i, flag := range []string{row.Grade1, row.Grade2, row.Grade3, row.Grade4, row.Grade5, row.Grade6} {
			if flag == "Y" {
				grades = append(grades, i+1)
			}
		}
		payload.Entries = append(payload.Entries, store.ScheduleEntry{Name: name, Grades: grades})

		line := name
		if len(grades) > 0 {
			parts := make([]string, len(grades))
			for i, grade := range grades {
				parts[i] = fmt.Sprintf("%d학년", grade)
			}
			line += "(" + strings.Join(parts, ", ") + ")"
		}
		summaryLines = append(summaryLines, line)
	}
	if len(payload.Entries) == 0 {
		return absent("no academic events"), nil
	}
	payload.Summary = strings.Join(summaryLines, "\n")
	return &Canonical{Payload: payload}, nil
}

func normalizeTimetable(raw RawRecord) (*Canonical, error) {
	var body timetableBody
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, &NormalizationError{Type: store.DataTypeTimetable, Reason: "unrecognized timetable body", Err: err}
	}

	subjects := make([]string, 0, len(body.Subjects))
	for _, subject := range body.Subjects {
		subject = strings.TrimSpace(subject)
		if subject == "" || subject == saturdayHoliday {
			continue
		}
		subjects = append(subjects, subject)
	}
	if len(subjects) == 0 {
		return absent("no lessons"), nil
	}
	return &Canonical{Payload: store.TimetablePayload{Subjects: subjects}}, nil
}

var (
	skyNames = map[string]string{"1": "☀ 맑음", "3": "🌥️ 구름 많음", "4": "☁ 흐림"}
	ptyNames = map[string]string{"0": "❌ 없음", "1": "🌧️ 비", "2": "🌨️ 비/눈", "3": "🌨️ 눈", "4": "🚿 소나기"}
)

func normalizeWeather(raw RawRecord) (*Canonical, error) {
	var body weatherBody
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, &NormalizationError{Type: store.DataTypeWeather, Reason: "unrecognized forecast body", Err: err}
	}
	if body.SlotTime == "" || body.Values["TMP"] == "" {
		return absent("no temperature forecast"), nil
	}

	payload := store.WeatherPayload{
		Temp:              body.Values["TMP"],
		TempMin:           body.TempMin,
		TempMax:           body.TempMax,
		Sky:               mapCode(skyNames, body.Values["SKY"], "Unknown"),
		Precipitation:     mapCode(ptyNames, body.Values["PTY"], "⚠ 오류"),
		PrecipProbability: body.Values["POP"],
		Humidity:          body.Values["REH"],
	}
	if payload.TempMin == "" {
		payload.TempMin = "-"
	}
	if payload.TempMax == "" {
		payload.TempMax = "-"
	}
	// Forecast times are HHMM, but the provider's value is copied in
	// verbatim; anything shorter leaves FirstHour unset.
	if len(body.SlotTime) >= 2 {
		if hour, err := strconv.Atoi(body.SlotTime[:2]); err == nil {
			payload.FirstHour = strconv.Itoa(hour)
		}
	}
	return &Canonical{Payload: payload}, nil
}

func mapCode(names map[string]string, code, fallback string) string {
	if name, ok := names[code]; ok {
		return name
	}
	return fallback
}

func normalizeWaterTemperature(raw RawRecord) (*Canonical, error) {
	var body waterBody
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, &NormalizationError{Type: store.DataTypeWaterTemperature, Reason: "unrecognized measurement body", Err: err}
	}
	if len(body.Rows) == 0 {
		return absent("no measurements"), nil
	}

	var sum float64
	var count int
	for _, row := range body.Rows {
		value, err := strconv.ParseFloat(strings.TrimSpace(row.Temperature), 64)
		if err != nil {
			continue
		}
		sum += value
		count++
	}
	if count == 0 {
		return absent("no readable measurements"), nil
	}

	payload := store.WaterTemperaturePayload{
		TemperatureC: roundTo(sum/float64(count), 2),
	}
	if measured, err := time.ParseInLocation("20060102 15:04",
		body.Rows[0].Date+" "+strings.TrimSpace(body.Rows[0].Hour), seoulLocation); err == nil {
		payload.MeasuredAt = measured.UTC()
	}
	return &Canonical{Payload: payload}, nil
}

func roundTo(value float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(value*shift) / shift
}
