// Package v1 exposes the cached school data over HTTP: day snapshots for
// the app frontends, settings and messaging endpoints for the chatbot
// platforms, and cache health for operators.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/hdmeal/hdmeal/internal/profile"
	"github.com/hdmeal/hdmeal/server/auth"
	"github.com/hdmeal/hdmeal/server/chatbot"
	"github.com/hdmeal/hdmeal/server/syncer"
	"github.com/hdmeal/hdmeal/store"
)

const (
	// HeaderRequestID identifies one request across logs and responses.
	HeaderRequestID = "X-HDMeal-Req-ID"
	// HeaderRange echoes the date range a snapshot response covers.
	HeaderRange = "X-HDMeal-Range"
	// HeaderToken carries the signed settings token.
	HeaderToken = "X-HDMeal-Token"
)

type APIV1Service struct {
	Profile *profile.Profile
	Store   *store.Store
	Engine  *syncer.Engine
	Chatbot *chatbot.Service
	Signer  *auth.Signer
}

func NewAPIV1Service(p *profile.Profile, st *store.Store, engine *syncer.Engine, bot *chatbot.Service, signer *auth.Signer) *APIV1Service {
	return &APIV1Service{
		Profile: p,
		Store:   st,
		Engine:  engine,
		Chatbot: bot,
		Signer:  signer,
	}
}

// RegisterRoutes attaches every v1 route to the echo server. The given
// middlewares apply to the API groups but not to bare probes like
// /healthz.
func (s *APIV1Service) RegisterRoutes(echoServer *echo.Echo, middlewares ...echo.MiddlewareFunc) {
	echoServer.Use(requestIDMiddleware)

	appGroup := echoServer.Group("/api/app", middlewares...)
	appGroup.GET("/days", s.GetDays)
	appGroup.GET("/days/:day", s.GetDay)
	appGroup.GET("/meta", s.GetMeta)

	botGroup := echoServer.Group("/api/chatbot", middlewares...)
	botGroup.POST("/message", s.PostMessage)
	botGroup.GET("/cache/healthcheck", s.GetCacheHealthcheck)
	botGroup.GET("/settings", s.GetSettings, s.requireManageUserInfo)
	botGroup.PUT("/settings", s.PutSettings, s.requireManageUserInfo)
	botGroup.DELETE("/settings", s.DeleteSettings, s.requireManageUserInfo)
}

// requestIDMiddleware stamps every response with a request id, keeping
// the client's own id when it sent one.
func requestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		requestID := c.Request().Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = shortuuid.New()
		}
		c.Response().Header().Set(HeaderRequestID, requestID)
		return next(c)
	}
}

const identityContextKey = "hdmeal-identity"

// requireManageUserInfo guards the settings endpoints: the request must
// carry a valid token with the ManageUserInfo scope.
func (s *APIV1Service) requireManageUserInfo(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.Request().Header.Get(HeaderToken)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing token"})
		}
		identity, err := s.Signer.Validate(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		if !identity.HasScope(auth.ScopeManageUserInfo) {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "insufficient scope"})
		}
		c.Set(identityContextKey, identity)
		return next(c)
	}
}

func identityOf(c echo.Context) *auth.Identity {
	identity, _ := c.Get(identityContextKey).(*auth.Identity)
	return identity
}
