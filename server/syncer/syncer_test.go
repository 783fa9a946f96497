package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/hdmeal/hdmeal/ingest"
	"github.com/hdmeal/hdmeal/internal/profile"
	"github.com/hdmeal/hdmeal/store"
	teststore "github.com/hdmeal/hdmeal/store/test"
)

type fakeConnector struct {
	mu      sync.Mutex
	calls   int
	spans   []store.DateRange
	maxSpan int
	gate    chan struct{}
	fetch   func(dataType store.DataType, span store.DateRange) ([]ingest.RawRecord, error)
}

func (f *fakeConnector) MaxSpanDays() int {
	if f.maxSpan == 0 {
		return 30
	}
	return f.maxSpan
}

func (f *fakeConnector) Fetch(_ context.Context, dataType store.DataType, span store.DateRange) ([]ingest.RawRecord, error) {
	f.mu.Lock()
	f.calls++
	f.spans = append(f.spans, span)
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	return f.fetch(dataType, span)
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeConnector) fetchedSpans() []store.DateRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.DateRange(nil), f.spans...)
}

func testProfile() *profile.Profile {
	return &profile.Profile{
		NumGrades:    2,
		NumClasses:   2,
		MealTTL:      3 * time.Hour,
		ScheduleTTL:  3 * time.Hour,
		TimetableTTL: 3 * time.Hour,
		WeatherTTL:   time.Hour,
		WaterTempTTL: 76 * time.Minute,
		MaxRangeDays: 31,
	}
}

func newTestEngine(ctx context.Context, t *testing.T, connectors map[store.DataType]ingest.Connector) (*Engine, *store.Store) {
	t.Helper()
	ts := teststore.NewTestingStore(ctx, t)
	engine := NewEngine(ts, testProfile(), connectors).
		WithBackoff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
	return engine, ts
}

func mustRange(t *testing.T, start, end string) store.DateRange {
	t.Helper()
	s, err := store.ParseDate(start)
	require.NoError(t, err)
	e, err := store.ParseDate(end)
	require.NoError(t, err)
	r, err := store.NewDateRange(s, e)
	require.NoError(t, err)
	return r
}

func mealRaw(t *testing.T, date, dish string) ingest.RawRecord {
	t.Helper()
	day, err := store.ParseDate(date)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]string{"DDISH_NM": dish, "CAL_INFO": "700 Kcal"})
	require.NoError(t, err)
	return ingest.RawRecord{Date: day, Body: body}
}

func mealFetcher(t *testing.T, dishes map[string]string) func(store.DataType, store.DateRange) ([]ingest.RawRecord, error) {
	return func(_ store.DataType, span store.DateRange) ([]ingest.RawRecord, error) {
		var raws []ingest.RawRecord
		for _, date := range span.Dates() {
			if dish, ok := dishes[store.FormatDate(date)]; ok {
				raws = append(raws, mealRaw(t, store.FormatDate(date), dish))
			}
		}
		return raws, nil
	}
}

func TestEnsureSyncedColdCache(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{fetch: mealFetcher(t, map[string]string{
		"2026-03-02": "밥",
		"2026-03-03": "국",
	})}
	engine, ts := newTestEngine(ctx, t, map[store.DataType]ingest.Connector{store.DataTypeMeal: connector})

	window := mustRange(t, "2026-03-02", "2026-03-04")
	result, err := engine.EnsureSynced(ctx, window)
	require.NoError(t, err)
	require.Equal(t, SyncStateDone, result.State)
	require.Equal(t, window, result.Window)
	require.Empty(t, result.Failures)
	require.Equal(t, 1, connector.callCount())

	records, err := ts.ListRecords(ctx, &store.FindRecord{Type: store.DataTypeMeal, Range: &window})
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.False(t, records[0].Absent)
	require.False(t, records[1].Absent)
	// The date the provider had nothing for carries an absent marker.
	require.True(t, records[2].Absent)
	require.Equal(t, "2026-03-04", store.FormatDate(records[2].Date))
}

func TestEnsureSyncedSecondCallFetchesNothing(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{fetch: mealFetcher(t, map[string]string{"2026-03-02": "밥"})}
	engine, _ := newTestEngine(ctx, t, map[store.DataType]ingest.Connector{store.DataTypeMeal: connector})

	window := mustRange(t, "2026-03-02", "2026-03-04")
	_, err := engine.EnsureSynced(ctx, window)
	require.NoError(t, err)
	require.Equal(t, 1, connector.callCount())

	result, err := engine.EnsureSynced(ctx, window)
	require.NoError(t, err)
	require.Equal(t, SyncStateDone, result.State)
	require.Equal(t, 1, connector.callCount())
}

func TestEnsureSyncedRefetchesAfterTTL(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{fetch: mealFetcher(t, map[string]string{"2026-03-02": "밥"})}
	engine, _ := newTestEngine(ctx, t, map[store.DataType]ingest.Connector{store.DataTypeMeal: connector})

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	engine.WithClock(func() time.Time { return now })

	window := mustRange(t, "2026-03-02", "2026-03-02")
	_, err := engine.EnsureSynced(ctx, window)
	require.NoError(t, err)
	require.Equal(t, 1, connector.callCount())

	// Within the TTL nothing is stale.
	now = now.Add(time.Hour)
	_, err = engine.EnsureSynced(ctx, window)
	require.NoError(t, err)
	require.Equal(t, 1, connector.callCount())

	now = now.Add(3 * time.Hour)
	_, err = engine.EnsureSynced(ctx, window)
	require.NoError(t, err)
	require.Equal(t, 2, connector.callCount())
}

func TestEnsureSyncedRejectsOversizedRange(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{fetch: mealFetcher(t, nil)}
	engine, _ := newTestEngine(ctx, t, map[store.DataType]ingest.Connector{store.DataTypeMeal: connector})

	_, err := engine.EnsureSynced(ctx, mustRange(t, "2026-03-01", "2026-04-15"))
	require.Error(t, err)
	require.Equal(t, 0, connector.callCount())
}

func TestEnsureSyncedIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	meals := &fakeConnector{fetch: mealFetcher(t, map[string]string{"2026-03-02": "밥"})}
	weather := &fakeConnector{fetch: func(store.DataType, store.DateRange) ([]ingest.RawRecord, error) {
		return nil, &ingest.UpstreamError{Service: "kma", Transient: false, Err: errors.New("bad key")}
	}}
	engine, ts := newTestEngine(ctx, t, map[store.DataType]ingest.Connector{
		store.DataTypeMeal:    meals,
		store.DataTypeWeather: weather,
	})

	window := mustRange(t, "2026-03-02", "2026-03-02")
	result, err := engine.EnsureSynced(ctx, window)
	require.NoError(t, err)
	require.Equal(t, SyncStatePartialFailure, result.State)
	require.Equal(t, []store.DataType{store.DataTypeWeather}, result.FailedTypes())

	// The healthy type landed in the cache regardless.
	records, err := ts.ListRecords(ctx, &store.FindRecord{Type: store.DataTypeMeal, Range: &window})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.False(t, records[0].Absent)
}

func TestEnsureSyncedRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	var attempts int
	connector := &fakeConnector{fetch: func(dataType store.DataType, span store.DateRange) ([]ingest.RawRecord, error) {
		attempts++
		if attempts < 3 {
			return nil, &ingest.UpstreamError{Service: "neis", Transient: true, Err: errors.New("timeout")}
		}
		return []ingest.RawRecord{mealRaw(t, "2026-03-02", "밥")}, nil
	}}
	engine, _ := newTestEngine(ctx, t, map[store.DataType]ingest.Connector{store.DataTypeMeal: connector})

	result, err := engine.EnsureSynced(ctx, mustRange(t, "2026-03-02", "2026-03-02"))
	require.NoError(t, err)
	require.Equal(t, SyncStateDone, result.State)
	require.Equal(t, 3, connector.callCount())
}

func TestEnsureSyncedDoesNotRetryPermanentFailures(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{fetch: func(store.DataType, store.DateRange) ([]ingest.RawRecord, error) {
		return nil, &ingest.UpstreamError{Service: "neis", Transient: false, Err: errors.New("unauthorized")}
	}}
	engine, _ := newTestEngine(ctx, t, map[store.DataType]ingest.Connector{store.DataTypeMeal: connector})

	result, err := engine.EnsureSynced(ctx, mustRange(t, "2026-03-02", "2026-03-02"))
	require.NoError(t, err)
	require.Equal(t, SyncStatePartialFailure, result.State)
	require.Equal(t, 1, connector.callCount())
}

func TestEnsureSyncedSharesInflightFetches(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	connector := &fakeConnector{
		gate:  gate,
		fetch: mealFetcher(t, map[string]string{"2026-03-02": "밥"}),
	}
	engine, _ := newTestEngine(ctx, t, map[store.DataType]ingest.Connector{store.DataTypeMeal: connector})

	window := mustRange(t, "2026-03-02", "2026-03-02")
	var wg sync.WaitGroup
	results := make([]*SyncResult, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = engine.EnsureSynced(ctx, window)
		}()
	}

	// Give every caller time to reach the shared fetch, then let the one
	// in-flight call finish.
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.Equal(t, 1, connector.callCount())
	for i, result := range results {
		require.NoError(t, errs[i])
		require.Equal(t, SyncStateDone, result.State)
	}
}

func TestEnsureSyncedSharesOverlappingFetches(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	connector := &fakeConnector{
		gate:  gate,
		fetch: mealFetcher(t, map[string]string{"2026-03-02": "밥"}),
	}
	engine, ts := newTestEngine(ctx, t, map[store.DataType]ingest.Connector{store.DataTypeMeal: connector})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = engine.EnsureSynced(ctx, mustRange(t, "2026-03-01", "2026-03-05"))
	}()
	require.Eventually(t, func() bool { return connector.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The second window overlaps the in-flight one on 03-03..03-05; only
	// the two uncovered dates get their own fetch.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = engine.EnsureSynced(ctx, mustRange(t, "2026-03-03", "2026-03-07"))
	}()
	require.Eventually(t, func() bool { return connector.callCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	close(gate)
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	spans := connector.fetchedSpans()
	require.Len(t, spans, 2)
	require.Equal(t, "2026-03-01~2026-03-05", spans[0].String())
	require.Equal(t, "2026-03-06~2026-03-07", spans[1].String())

	window := mustRange(t, "2026-03-01", "2026-03-07")
	records, err := ts.ListRecords(ctx, &store.FindRecord{Type: store.DataTypeMeal, Range: &window})
	require.NoError(t, err)
	require.Len(t, records, 7)
}

func TestEnsureSyncedCallerDetachesOnCancel(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	connector := &fakeConnector{
		gate:  gate,
		fetch: mealFetcher(t, map[string]string{"2026-03-02": "밥"}),
	}
	engine, ts := newTestEngine(ctx, t, map[store.DataType]ingest.Connector{store.DataTypeMeal: connector})

	window := mustRange(t, "2026-03-02", "2026-03-02")
	callerCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := engine.EnsureSynced(callerCtx, window)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// The shared fetch was not aborted; once released it still lands.
	close(gate)
	require.Eventually(t, func() bool {
		records, err := ts.ListRecords(ctx, &store.FindRecord{Type: store.DataTypeMeal, Range: &window})
		return err == nil && len(records) == 1 && !records[0].Absent
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEnsureSyncedTimetableGrid(t *testing.T) {
	ctx := context.Background()
	day := "2026-03-02"
	connector := &fakeConnector{fetch: func(_ store.DataType, span store.DateRange) ([]ingest.RawRecord, error) {
		date, err := store.ParseDate(day)
		if err != nil {
			return nil, err
		}
		if !span.Contains(date) {
			return nil, nil
		}
		body, err := json.Marshal(map[string][]string{"subjects": {"국어", "수학"}})
		if err != nil {
			return nil, err
		}
		return []ingest.RawRecord{{Date: date, Grade: 1, ClassSection: 1, Body: body}}, nil
	}}
	engine, ts := newTestEngine(ctx, t, map[store.DataType]ingest.Connector{store.DataTypeTimetable: connector})

	window := mustRange(t, day, day)
	_, err := engine.EnsureSynced(ctx, window)
	require.NoError(t, err)

	// Every cell of the 2x2 grid exists; the ones the provider had no
	// rows for are absent markers.
	records, err := ts.ListRecords(ctx, &store.FindRecord{Type: store.DataTypeTimetable, Range: &window})
	require.NoError(t, err)
	require.Len(t, records, 4)
	var present int
	for _, record := range records {
		if !record.Absent {
			present++
			require.Equal(t, 1, record.Grade)
			require.Equal(t, 1, record.ClassSection)
		}
	}
	require.Equal(t, 1, present)

	// The filled grid counts as fresh, so nothing is refetched.
	_, err = engine.EnsureSynced(ctx, window)
	require.NoError(t, err)
	require.Equal(t, 1, connector.callCount())
}

func TestEnsureSyncedSplitsWideSpans(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{maxSpan: 3, fetch: mealFetcher(t, nil)}
	engine, _ := newTestEngine(ctx, t, map[store.DataType]ingest.Connector{store.DataTypeMeal: connector})

	// Seven stale days with a three-day provider limit makes three calls.
	_, err := engine.EnsureSynced(ctx, mustRange(t, "2026-03-02", "2026-03-08"))
	require.NoError(t, err)
	require.Equal(t, 3, connector.callCount())
}

func TestHealthcheck(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{fetch: mealFetcher(t, map[string]string{"2026-03-02": "밥"})}
	engine, _ := newTestEngine(ctx, t, map[store.DataType]ingest.Connector{store.DataTypeMeal: connector})

	health, err := engine.Healthcheck(ctx)
	require.NoError(t, err)
	require.True(t, health[store.DataTypeMeal].Stale)
	require.Nil(t, health[store.DataTypeMeal].LastSyncedAt)

	_, err = engine.EnsureSynced(ctx, mustRange(t, "2026-03-02", "2026-03-02"))
	require.NoError(t, err)

	health, err = engine.Healthcheck(ctx)
	require.NoError(t, err)
	require.False(t, health[store.DataTypeMeal].Stale)
	require.NotNil(t, health[store.DataTypeMeal].LastSyncedAt)
}

func TestCoalesceDates(t *testing.T) {
	dates := mustRange(t, "2026-03-02", "2026-03-04").Dates()
	dates = append(dates, mustRange(t, "2026-03-07", "2026-03-07").Dates()...)

	spans := coalesceDates(dates)
	require.Len(t, spans, 2)
	require.Equal(t, "2026-03-02~2026-03-04", spans[0].String())
	require.Equal(t, "2026-03-07~2026-03-07", spans[1].String())
}

func TestSplitSpans(t *testing.T) {
	spans := splitSpans([]store.DateRange{mustRange(t, "2026-03-01", "2026-03-07")}, 3)
	require.Len(t, spans, 3)
	require.Equal(t, "2026-03-01~2026-03-03", spans[0].String())
	require.Equal(t, "2026-03-04~2026-03-06", spans[1].String())
	require.Equal(t, "2026-03-07~2026-03-07", spans[2].String())
}

func TestSplitSpansKeepsNarrowSpans(t *testing.T) {
	spans := splitSpans([]store.DateRange{mustRange(t, "2026-03-01", "2026-03-03")}, 30)
	require.Len(t, spans, 1)
	require.Equal(t, fmt.Sprintf("%s~%s", "2026-03-01", "2026-03-03"), spans[0].String())
}
