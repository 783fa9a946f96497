package v1

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hdmeal/hdmeal/server/chatbot"
	"github.com/hdmeal/hdmeal/store"
)

// PostMessage answers one chatbot message.
// POST /api/chatbot/message
func (s *APIV1Service) PostMessage(c echo.Context) error {
	var request chatbot.Request
	if err := c.Bind(&request); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}
	if strings.TrimSpace(request.Platform) == "" || strings.TrimSpace(request.UserID) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "platform and userId are required"})
	}

	reply, err := s.Chatbot.HandleMessage(c.Request().Context(), &request)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to handle message").SetInternal(err)
	}
	return c.JSON(http.StatusOK, reply)
}

// CacheHealthResponse reports per-type cache freshness.
type CacheHealthResponse struct {
	Healthy bool                              `json:"healthy"`
	Types   map[store.DataType]TypeHealthView `json:"types"`
}

// TypeHealthView is the wire form of one type's freshness.
type TypeHealthView struct {
	LastSyncedAt *time.Time `json:"lastSyncedAt"`
	TTLSeconds   int64      `json:"ttlSeconds"`
	Stale        bool       `json:"stale"`
}

// GetCacheHealthcheck reports whether every data type is fresh.
// GET /api/chatbot/cache/healthcheck
func (s *APIV1Service) GetCacheHealthcheck(c echo.Context) error {
	health, err := s.Engine.Healthcheck(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to check cache").SetInternal(err)
	}

	response := &CacheHealthResponse{Healthy: true, Types: make(map[store.DataType]TypeHealthView, len(health))}
	for dataType, typeHealth := range health {
		if typeHealth.Stale {
			response.Healthy = false
		}
		response.Types[dataType] = TypeHealthView{
			LastSyncedAt: typeHealth.LastSyncedAt,
			TTLSeconds:   int64(typeHealth.TTL.Seconds()),
			Stale:        typeHealth.Stale,
		}
	}
	status := http.StatusOK
	if !response.Healthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, response)
}
