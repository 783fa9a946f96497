package chatbot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hdmeal/hdmeal/ingest"
	"github.com/hdmeal/hdmeal/internal/profile"
	"github.com/hdmeal/hdmeal/server/auth"
	"github.com/hdmeal/hdmeal/server/syncer"
	"github.com/hdmeal/hdmeal/store"
	teststore "github.com/hdmeal/hdmeal/store/test"
)

type staticConnector struct {
	records map[store.DataType][]ingest.RawRecord
}

func (c *staticConnector) MaxSpanDays() int { return 31 }

func (c *staticConnector) Fetch(_ context.Context, dataType store.DataType, span store.DateRange) ([]ingest.RawRecord, error) {
	var raws []ingest.RawRecord
	for _, raw := range c.records[dataType] {
		if span.Contains(raw.Date) {
			raws = append(raws, raw)
		}
	}
	return raws, nil
}

// newTestService builds a chatbot over a cache warmed with the
// connector's records for the first week of March 2026; the service
// itself only ever reads.
func newTestService(ctx context.Context, t *testing.T, connector ingest.Connector) (*Service, *store.Store) {
	t.Helper()
	ts := teststore.NewTestingStore(ctx, t)
	connectors := map[store.DataType]ingest.Connector{}
	for _, dataType := range store.AllDataTypes() {
		connectors[dataType] = connector
	}
	engine := syncer.NewEngine(ts, &profile.Profile{
		NumGrades:    2,
		NumClasses:   2,
		MealTTL:      3 * time.Hour,
		ScheduleTTL:  3 * time.Hour,
		TimetableTTL: 3 * time.Hour,
		WeatherTTL:   time.Hour,
		WaterTempTTL: 76 * time.Minute,
		MaxRangeDays: 31,
	}, connectors)

	start, err := store.ParseDate("2026-03-01")
	require.NoError(t, err)
	window, err := store.NewDateRange(start, start.AddDate(0, 0, 6))
	require.NoError(t, err)
	result, err := engine.EnsureSynced(ctx, window)
	require.NoError(t, err)
	require.Equal(t, syncer.SyncStateDone, result.State)

	service := NewService(ts, auth.NewSigner("secret")).
		WithClock(func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) })
	return service, ts
}

func rawOn(t *testing.T, date string, grade, class int, body any) ingest.RawRecord {
	t.Helper()
	day, err := store.ParseDate(date)
	require.NoError(t, err)
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	return ingest.RawRecord{Date: day, Grade: grade, ClassSection: class, Body: encoded}
}

func TestHandleMessageMeal(t *testing.T) {
	ctx := context.Background()
	connector := &staticConnector{records: map[store.DataType][]ingest.RawRecord{
		store.DataTypeMeal: {rawOn(t, "2026-03-03", 0, 0, map[string]string{
			"DDISH_NM": "미역국5.6.",
			"CAL_INFO": "700 Kcal",
		})},
	}}
	service, _ := newTestService(ctx, t, connector)

	reply, err := service.HandleMessage(ctx, &Request{Platform: "telegram", UserID: "u1", Text: "내일 급식 알려줘"})
	require.NoError(t, err)
	require.Contains(t, reply.Text, "2026-03-03 급식")
	require.Contains(t, reply.Text, "미역국(5,6)")
	require.Contains(t, reply.Text, "열량: 700.0 kcal")
}

func TestHandleMessageMealHidesAllergies(t *testing.T) {
	ctx := context.Background()
	connector := &staticConnector{records: map[store.DataType][]ingest.RawRecord{
		store.DataTypeMeal: {rawOn(t, "2026-03-02", 0, 0, map[string]string{"DDISH_NM": "미역국5.6."})},
	}}
	service, ts := newTestService(ctx, t, connector)

	_, err := ts.UpsertUserSetting(ctx, &store.UpsertUserSetting{
		Platform: "telegram", ExternalID: "u1", Grade: 1, ClassSection: 1, Allergy: store.AllergyDisplayNone,
	})
	require.NoError(t, err)

	reply, err := service.HandleMessage(ctx, &Request{Platform: "telegram", UserID: "u1", Text: "오늘 급식"})
	require.NoError(t, err)
	require.Contains(t, reply.Text, "미역국")
	require.NotContains(t, reply.Text, "(5,6)")
}

func TestHandleMessageTimetableNeedsSetting(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(ctx, t, &staticConnector{})

	reply, err := service.HandleMessage(ctx, &Request{Platform: "telegram", UserID: "new-user", Text: "시간표"})
	require.NoError(t, err)
	require.Contains(t, reply.Text, "설정")
}

func TestHandleMessageTimetable(t *testing.T) {
	ctx := context.Background()
	connector := &staticConnector{records: map[store.DataType][]ingest.RawRecord{
		store.DataTypeTimetable: {rawOn(t, "2026-03-02", 2, 1, map[string][]string{"subjects": {"국어", "수학"}})},
	}}
	service, ts := newTestService(ctx, t, connector)

	_, err := ts.UpsertUserSetting(ctx, &store.UpsertUserSetting{
		Platform: "telegram", ExternalID: "u1", Grade: 2, ClassSection: 1,
	})
	require.NoError(t, err)

	reply, err := service.HandleMessage(ctx, &Request{Platform: "telegram", UserID: "u1", Text: "오늘 시간표"})
	require.NoError(t, err)
	require.Contains(t, reply.Text, "2학년 1반")
	require.Contains(t, reply.Text, "1교시 국어")
	require.Contains(t, reply.Text, "2교시 수학")
}

func TestHandleMessageSettingsIssuesToken(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(ctx, t, &staticConnector{})

	reply, err := service.HandleMessage(ctx, &Request{Platform: "telegram", UserID: "u1", Text: "설정"})
	require.NoError(t, err)
	require.NotEmpty(t, reply.SettingsToken)

	identity, err := auth.NewSigner("secret").Validate(reply.SettingsToken)
	require.NoError(t, err)
	require.Equal(t, "u1", identity.ExternalID)
	require.True(t, identity.HasScope(auth.ScopeManageUserInfo))
}

func TestHandleMessageUnknownIntent(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(ctx, t, &staticConnector{})

	reply, err := service.HandleMessage(ctx, &Request{Platform: "telegram", UserID: "u1", Text: "안녕"})
	require.NoError(t, err)
	require.Equal(t, helpText, reply.Text)
}

func TestMatchDate(t *testing.T) {
	today := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "2026-03-02", store.FormatDate(matchDate("오늘 급식", today)))
	require.Equal(t, "2026-03-03", store.FormatDate(matchDate("내일 급식", today)))
	require.Equal(t, "2026-03-04", store.FormatDate(matchDate("내일모레 급식", today)))
	require.Equal(t, "2026-03-01", store.FormatDate(matchDate("어제 급식", today)))
	require.Equal(t, "2026-03-02", store.FormatDate(matchDate("급식", today)))
}
