package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the main server.
type Profile struct {
	// Mode can be "prod" or "dev"
	Mode string
	// Addr is the binding address for server
	Addr string
	// Port is the binding port for server
	Port int
	// Data is the data directory
	Data string
	// DSN points to where hdmeal stores its cache data
	DSN string
	// Driver is the database driver (sqlite or postgres)
	Driver string
	// Version is the current version of server
	Version string
	// Build is the build number reported to mobile clients
	Build int

	// NEIS upstream (academic / meal data)
	NEISAPIKey     string // HDMEAL_NEIS_API_KEY
	NEISOfficeCode string // HDMEAL_NEIS_OFFICE_CODE (ATPT_OFCDC_SC_CODE)
	NEISSchoolCode string // HDMEAL_NEIS_SCHOOL_CODE (SD_SCHUL_CODE)
	NumGrades      int    // HDMEAL_NUM_GRADES
	NumClasses     int    // HDMEAL_NUM_CLASSES

	// KMA upstream (weather)
	KMAAPIKey string // HDMEAL_KMA_API_KEY
	KMAGridNX int    // HDMEAL_KMA_NX
	KMAGridNY int    // HDMEAL_KMA_NY

	// Seoul open data upstream (river water temperature)
	SeoulDataToken string // HDMEAL_SEOUL_DATA_TOKEN

	// Cache freshness TTLs
	MealTTL      time.Duration // HDMEAL_TTL_MEAL (default 3h)
	ScheduleTTL  time.Duration // HDMEAL_TTL_SCHEDULE (default 3h)
	TimetableTTL time.Duration // HDMEAL_TTL_TIMETABLE (default 3h)
	WeatherTTL   time.Duration // HDMEAL_TTL_WEATHER (default 1h)
	WaterTempTTL time.Duration // HDMEAL_TTL_WATER_TEMP (default 76m)

	// Background refresh loop
	SyncInterval   time.Duration // HDMEAL_SYNC_INTERVAL (default 3h)
	WarmWindowDays int           // HDMEAL_WARM_WINDOW_DAYS (default 10, each side of today)

	// MaxRangeDays bounds any externally requested date range.
	MaxRangeDays int // HDMEAL_MAX_RANGE_DAYS (default 31)

	// JWTSecret signs user-settings tokens
	JWTSecret string // HDMEAL_JWT_SECRET
	// AllowedOrigins is the CORS allowlist, comma separated
	AllowedOrigins []string // HDMEAL_ALLOWED_ORIGINS
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// FromEnv loads configuration from HDMEAL_* environment variables.
func (p *Profile) FromEnv() {
	p.NEISAPIKey = os.Getenv("HDMEAL_NEIS_API_KEY")
	p.NEISOfficeCode = os.Getenv("HDMEAL_NEIS_OFFICE_CODE")
	p.NEISSchoolCode = os.Getenv("HDMEAL_NEIS_SCHOOL_CODE")
	p.NumGrades = getIntEnv("HDMEAL_NUM_GRADES", 3)
	p.NumClasses = getIntEnv("HDMEAL_NUM_CLASSES", 10)

	p.KMAAPIKey = os.Getenv("HDMEAL_KMA_API_KEY")
	p.KMAGridNX = getIntEnv("HDMEAL_KMA_NX", 61)
	p.KMAGridNY = getIntEnv("HDMEAL_KMA_NY", 126)

	p.SeoulDataToken = os.Getenv("HDMEAL_SEOUL_DATA_TOKEN")

	p.MealTTL = getDurationEnv("HDMEAL_TTL_MEAL", 3*time.Hour)
	p.ScheduleTTL = getDurationEnv("HDMEAL_TTL_SCHEDULE", 3*time.Hour)
	p.TimetableTTL = getDurationEnv("HDMEAL_TTL_TIMETABLE", 3*time.Hour)
	p.WeatherTTL = getDurationEnv("HDMEAL_TTL_WEATHER", time.Hour)
	p.WaterTempTTL = getDurationEnv("HDMEAL_TTL_WATER_TEMP", 76*time.Minute)

	p.SyncInterval = getDurationEnv("HDMEAL_SYNC_INTERVAL", 3*time.Hour)
	p.WarmWindowDays = getIntEnv("HDMEAL_WARM_WINDOW_DAYS", 10)
	p.MaxRangeDays = getIntEnv("HDMEAL_MAX_RANGE_DAYS", 31)

	p.JWTSecret = os.Getenv("HDMEAL_JWT_SECRET")
	if origins := os.Getenv("HDMEAL_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				p.AllowedOrigins = append(p.AllowedOrigins, origin)
			}
		}
	}
	if len(p.AllowedOrigins) == 0 {
		p.AllowedOrigins = []string{"*"}
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("hdmeal_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("postgres driver requires a DSN")
	}

	if p.NumGrades <= 0 || p.NumClasses <= 0 {
		return errors.New("grade and class cardinality must be positive")
	}
	if p.WarmWindowDays <= 0 {
		return errors.New("warm window width must be positive")
	}
	if p.MaxRangeDays <= 0 {
		return errors.New("maximum request range must be positive")
	}
	// The refresh loop syncs [today-W, today+W] through the same engine
	// that enforces the request bound, so the window has to fit inside it
	// or every scheduled pass would fail.
	if warm := 2*p.WarmWindowDays + 1; warm > p.MaxRangeDays {
		return errors.Errorf("warm window spans %d days, wider than the maximum range of %d days", warm, p.MaxRangeDays)
	}
	return nil
}
