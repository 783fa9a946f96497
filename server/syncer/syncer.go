// Package syncer keeps the cache store synchronized with the upstream
// providers. It plans which cache cells are missing or stale, fetches
// them with bounded retries, and shares in-flight fetches between
// concurrent callers.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hdmeal/hdmeal/ingest"
	"github.com/hdmeal/hdmeal/internal/profile"
	"github.com/hdmeal/hdmeal/store"
)

const (
	// sharedFetchTimeout bounds one deduplicated fetch. It outlives the
	// caller's context on purpose: a detached caller must not kill work
	// other callers are still waiting on.
	sharedFetchTimeout = 2 * time.Minute

	// maxFetchRetries is the number of retries after the first attempt.
	maxFetchRetries = 2

	absentReasonNoData = "no data published"
)

// SyncState summarizes the outcome of one synchronization pass.
type SyncState string

const (
	SyncStateDone           SyncState = "DONE"
	SyncStatePartialFailure SyncState = "PARTIAL_FAILURE"
)

// TypeFailure records that one data type could not be brought up to date.
// The other types of the same pass are unaffected.
type TypeFailure struct {
	Type store.DataType
	Err  error
}

// SyncResult is the outcome of EnsureSynced. Window is the range the
// pass covered. Even on partial failure the cache still serves whatever
// it holds.
type SyncResult struct {
	State    SyncState
	Window   store.DateRange
	Failures []TypeFailure
}

// FailedTypes returns the data types that failed, in stable order.
func (r *SyncResult) FailedTypes() []store.DataType {
	types := make([]store.DataType, 0, len(r.Failures))
	for _, failure := range r.Failures {
		types = append(types, failure.Type)
	}
	return types
}

// TypeHealth describes the cache freshness of one data type.
type TypeHealth struct {
	LastSyncedAt *time.Time    `json:"lastSyncedAt"`
	TTL          time.Duration `json:"ttl"`
	Stale        bool          `json:"stale"`
}

// Engine synchronizes the cache with the upstream connectors.
//
// Concurrent EnsureSynced calls with overlapping windows share in-flight
// fetches through a per-date in-flight table: whoever arrives first
// claims a date and starts the fetch, everyone else whose window covers
// that date attaches to the same completion, even when the windows only
// partially overlap. A caller whose context is canceled detaches
// immediately; the shared fetch keeps running for the remaining waiters
// and still lands in the cache.
type Engine struct {
	store      *store.Store
	connectors map[store.DataType]ingest.Connector
	ttls       map[store.DataType]time.Duration

	maxRangeDays int
	numGrades    int
	numClasses   int

	mu         sync.Mutex
	inflight   map[string]*inflightFetch
	newBackoff func() backoff.BackOff
	now        func() time.Time
}

func NewEngine(st *store.Store, p *profile.Profile, connectors map[store.DataType]ingest.Connector) *Engine {
	return &Engine{
		store:      st,
		connectors: connectors,
		ttls: map[store.DataType]time.Duration{
			store.DataTypeMeal:             p.MealTTL,
			store.DataTypeSchedule:         p.ScheduleTTL,
			store.DataTypeTimetable:        p.TimetableTTL,
			store.DataTypeWeather:          p.WeatherTTL,
			store.DataTypeWaterTemperature: p.WaterTempTTL,
		},
		maxRangeDays: p.MaxRangeDays,
		numGrades:    p.NumGrades,
		numClasses:   p.NumClasses,
		inflight:     make(map[string]*inflightFetch),
		newBackoff:   defaultBackoff,
		now:          time.Now,
	}
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

// WithBackoff substitutes the retry delay policy. Used by tests to avoid
// real sleeps.
func (e *Engine) WithBackoff(factory func() backoff.BackOff) *Engine {
	e.newBackoff = factory
	return e
}

// WithClock substitutes the wall clock used for freshness decisions.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// EnsureSynced brings every data type up to date for the window and
// returns once all of them are either fresh or failed. A range wider than
// the configured maximum is rejected before any upstream call. Failures
// of individual types never abort the others.
func (e *Engine) EnsureSynced(ctx context.Context, window store.DateRange) (*SyncResult, error) {
	if days := window.Days(); days > e.maxRangeDays {
		return nil, errors.Errorf("requested range spans %d days, the maximum is %d", days, e.maxRangeDays)
	}

	var mu sync.Mutex
	var failures []TypeFailure
	var eg errgroup.Group
	for dataType, connector := range e.connectors {
		dataType, connector := dataType, connector
		eg.Go(func() error {
			if err := e.syncType(ctx, dataType, connector, window); err != nil {
				slog.Error("synchronization failed", "type", dataType, "range", window.String(), "error", err)
				mu.Lock()
				failures = append(failures, TypeFailure{Type: dataType, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(failures, func(i, j int) bool { return failures[i].Type < failures[j].Type })
	state := SyncStateDone
	if len(failures) > 0 {
		state = SyncStatePartialFailure
	}
	return &SyncResult{State: state, Window: window, Failures: failures}, nil
}

// ReadCached returns whatever the cache currently holds for the window,
// fresh or not. It never triggers a fetch.
func (e *Engine) ReadCached(ctx context.Context, dataType store.DataType, window store.DateRange) ([]*store.Record, error) {
	return e.store.ListRecords(ctx, &store.FindRecord{Type: dataType, Range: &window})
}

// MaxRangeDays is the widest window EnsureSynced accepts.
func (e *Engine) MaxRangeDays() int {
	return e.maxRangeDays
}

// Healthcheck reports per-type cache freshness based on the most recently
// synchronized record of each type.
func (e *Engine) Healthcheck(ctx context.Context) (map[store.DataType]TypeHealth, error) {
	health := make(map[store.DataType]TypeHealth, len(e.connectors))
	nowTs := e.now().Unix()
	for dataType := range e.connectors {
		ttl := e.ttls[dataType]
		latest, err := e.store.LatestRecord(ctx, dataType)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			health[dataType] = TypeHealth{TTL: ttl, Stale: true}
			continue
		}
		syncedAt := time.Unix(latest.SyncedTs, 0).UTC()
		health[dataType] = TypeHealth{
			LastSyncedAt: &syncedAt,
			TTL:          ttl,
			Stale:        nowTs >= latest.SyncedTs+int64(ttl.Seconds()),
		}
	}
	return health, nil
}

func (e *Engine) syncType(ctx context.Context, dataType store.DataType, connector ingest.Connector, window store.DateRange) error {
	staleDates, err := e.staleDates(ctx, dataType, window)
	if err != nil {
		return errors.Wrap(err, "failed to plan stale dates")
	}
	if len(staleDates) == 0 {
		return nil
	}
	return e.fetchShared(ctx, dataType, connector, staleDates)
}

// staleDates returns the dates in the window whose cache cells are
// missing or older than the type's TTL. A timetable date counts as fresh
// only when every (grade, class) cell of the configured grid is fresh.
func (e *Engine) staleDates(ctx context.Context, dataType store.DataType, window store.DateRange) ([]time.Time, error) {
	records, err := e.store.ListRecords(ctx, &store.FindRecord{Type: dataType, Range: &window})
	if err != nil {
		return nil, err
	}

	ttl := e.ttls[dataType]
	nowTs := e.now().Unix()
	freshCells := make(map[string]int)
	for _, record := range records {
		if nowTs >= record.SyncedTs+int64(ttl.Seconds()) {
			continue
		}
		freshCells[store.FormatDate(record.Date)]++
	}

	cellsPerDate := 1
	if dataType == store.DataTypeTimetable {
		cellsPerDate = e.numGrades * e.numClasses
	}

	var stale []time.Time
	for _, date := range window.Dates() {
		if freshCells[store.FormatDate(date)] < cellsPerDate {
			stale = append(stale, date)
		}
	}
	return stale, nil
}

// inflightFetch is the completion handle for one in-flight fetch. Every
// caller whose planned dates it covers waits on done and observes the
// same outcome.
type inflightFetch struct {
	done chan struct{}
	err  error
}

// fetchShared claims the planned dates nobody is fetching yet and
// attaches to the in-flight fetches already covering the rest, so
// concurrent callers with overlapping windows trigger at most one
// upstream fetch per (type, date) cell. Claimed dates are fetched
// detached from the caller's context; a canceled caller stops waiting
// but never aborts work other callers await.
func (e *Engine) fetchShared(ctx context.Context, dataType store.DataType, connector ingest.Connector, dates []time.Time) error {
	var owned []time.Time
	var op *inflightFetch
	waits := make(map[*inflightFetch]bool)

	e.mu.Lock()
	for _, date := range dates {
		key := inflightKey(dataType, date)
		if existing, ok := e.inflight[key]; ok {
			waits[existing] = true
			continue
		}
		if op == nil {
			op = &inflightFetch{done: make(chan struct{})}
			waits[op] = true
		}
		e.inflight[key] = op
		owned = append(owned, date)
	}
	e.mu.Unlock()

	if op != nil {
		go e.runFetch(ctx, dataType, connector, owned, op)
	}

	for fetch := range waits {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fetch.done:
			if fetch.err != nil {
				return fetch.err
			}
		}
	}
	return nil
}

// runFetch fetches the claimed dates span by span and releases every
// attached waiter. It runs on its own timeout so it outlives the caller
// that started it. A failed span does not stop the remaining spans; the
// first error becomes the shared outcome.
func (e *Engine) runFetch(ctx context.Context, dataType store.DataType, connector ingest.Connector, dates []time.Time, op *inflightFetch) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
	defer cancel()

	var firstErr error
	for _, span := range splitSpans(coalesceDates(dates), connector.MaxSpanDays()) {
		if err := e.fetchAndStore(fetchCtx, dataType, connector, span); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	e.mu.Lock()
	for _, date := range dates {
		delete(e.inflight, inflightKey(dataType, date))
	}
	e.mu.Unlock()

	op.err = firstErr
	close(op.done)
}

func inflightKey(dataType store.DataType, date time.Time) string {
	return string(dataType) + ":" + store.FormatDate(date)
}

func (e *Engine) fetchAndStore(ctx context.Context, dataType store.DataType, connector ingest.Connector, span store.DateRange) error {
	raws, err := backoff.RetryWithData(func() ([]ingest.RawRecord, error) {
		raws, err := connector.Fetch(ctx, dataType, span)
		if err != nil && !ingest.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return raws, err
	}, backoff.WithContext(backoff.WithMaxRetries(e.newBackoff(), maxFetchRetries), ctx))
	if err != nil {
		return errors.Wrapf(err, "failed to fetch %s", span.String())
	}

	nowTs := e.now().Unix()
	covered := make(map[string]bool)
	for _, raw := range raws {
		cell := cellID(raw.Date, raw.Grade, raw.ClassSection)
		canonical, err := ingest.Normalize(dataType, raw)
		if err != nil {
			// A malformed cell stays missing and is retried on the next
			// pass; it must not poison the rest of the span.
			slog.Warn("skipping unrecognizable record", "type", dataType, "cell", cell, "error", err)
			covered[cell] = true
			continue
		}

		upsert := &store.UpsertRecord{
			Type:         dataType,
			Date:         raw.Date,
			Grade:        raw.Grade,
			ClassSection: raw.ClassSection,
			SyncedTs:     nowTs,
		}
		if canonical.Absent {
			upsert.Absent = true
			upsert.AbsentReason = canonical.Reason
		} else {
			payload, err := json.Marshal(canonical.Payload)
			if err != nil {
				return errors.Wrap(err, "failed to encode payload")
			}
			upsert.Payload = string(payload)
		}
		if _, err := e.store.UpsertRecord(ctx, upsert); err != nil {
			return errors.Wrap(err, "failed to persist record")
		}
		covered[cell] = true
	}

	// Cells the provider returned nothing for get explicit absent
	// markers, so freshness alone decides when to ask again.
	return e.fillAbsent(ctx, dataType, span, covered, nowTs)
}

func (e *Engine) fillAbsent(ctx context.Context, dataType store.DataType, span store.DateRange, covered map[string]bool, nowTs int64) error {
	for _, date := range span.Dates() {
		for _, cell := range e.cellsOf(dataType, date) {
			if covered[cellID(date, cell.grade, cell.class)] {
				continue
			}
			upsert := &store.UpsertRecord{
				Type:         dataType,
				Date:         date,
				Grade:        cell.grade,
				ClassSection: cell.class,
				Absent:       true,
				AbsentReason: absentReasonNoData,
				SyncedTs:     nowTs,
			}
			if _, err := e.store.UpsertRecord(ctx, upsert); err != nil {
				return errors.Wrap(err, "failed to persist absent marker")
			}
		}
	}
	return nil
}

type gridCell struct {
	grade, class int
}

func (e *Engine) cellsOf(dataType store.DataType, _ time.Time) []gridCell {
	if dataType != store.DataTypeTimetable {
		return []gridCell{{}}
	}
	cells := make([]gridCell, 0, e.numGrades*e.numClasses)
	for grade := 1; grade <= e.numGrades; grade++ {
		for class := 1; class <= e.numClasses; class++ {
			cells = append(cells, gridCell{grade: grade, class: class})
		}
	}
	return cells
}

func cellID(date time.Time, grade, class int) string {
	return fmt.Sprintf("%s/%d/%d", store.FormatDate(date), grade, class)
}

// coalesceDates merges an ascending date list into contiguous ranges.
func coalesceDates(dates []time.Time) []store.DateRange {
	var spans []store.DateRange
	for _, date := range dates {
		if len(spans) > 0 && spans[len(spans)-1].End.AddDate(0, 0, 1).Equal(date) {
			spans[len(spans)-1].End = date
			continue
		}
		spans = append(spans, store.DateRange{Start: date, End: date})
	}
	return spans
}

// splitSpans cuts ranges wider than the provider's per-call limit.
func splitSpans(spans []store.DateRange, maxSpanDays int) []store.DateRange {
	var out []store.DateRange
	for _, span := range spans {
		for span.Days() > maxSpanDays {
			cut := span.Start.AddDate(0, 0, maxSpanDays-1)
			out = append(out, store.DateRange{Start: span.Start, End: cut})
			span.Start = cut.AddDate(0, 0, 1)
		}
		out = append(out, span)
	}
	return out
}
