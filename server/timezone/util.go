// Package timezone pins the service to Korea Standard Time. All upstream
// providers and all user-facing dates are KST; the cache itself stores
// plain calendar dates.
package timezone

import (
	"time"

	"github.com/hdmeal/hdmeal/store"
)

// KST is the Asia/Seoul location. Korea has no daylight saving time.
var KST = mustLoadLocation("Asia/Seoul")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// NowKST returns the current wall clock time in Korea.
func NowKST() time.Time {
	return time.Now().In(KST)
}

// TodayKST returns the current Korean calendar date as a cache date.
func TodayKST() time.Time {
	return store.Day(NowKST())
}

// DayKST converts an instant to the Korean calendar date it falls on.
func DayKST(t time.Time) time.Time {
	return store.Day(t.In(KST))
}
