package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hdmeal/hdmeal/store"
)

// SettingsResponse is one user's rendering preferences.
type SettingsResponse struct {
	Platform       string               `json:"platform"`
	UserID         string               `json:"userId"`
	Grade          int                  `json:"grade"`
	ClassSection   int                  `json:"classSection"`
	AllergyDisplay store.AllergyDisplay `json:"allergyDisplay"`
}

// UpsertSettingsRequest is the PUT body for settings.
type UpsertSettingsRequest struct {
	Grade          int                  `json:"grade"`
	ClassSection   int                  `json:"classSection"`
	AllergyDisplay store.AllergyDisplay `json:"allergyDisplay"`
}

// GetSettings returns the authenticated user's settings.
// GET /api/chatbot/settings
func (s *APIV1Service) GetSettings(c echo.Context) error {
	identity := identityOf(c)
	setting, err := s.Store.GetUserSetting(c.Request().Context(), &store.FindUserSetting{
		Platform:   identity.Platform,
		ExternalID: identity.ExternalID,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read settings").SetInternal(err)
	}
	if setting == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no settings"})
	}
	return c.JSON(http.StatusOK, &SettingsResponse{
		Platform:       setting.Platform,
		UserID:         setting.ExternalID,
		Grade:          setting.Grade,
		ClassSection:   setting.ClassSection,
		AllergyDisplay: setting.Allergy,
	})
}

// PutSettings creates or replaces the authenticated user's settings.
// PUT /api/chatbot/settings
func (s *APIV1Service) PutSettings(c echo.Context) error {
	identity := identityOf(c)

	var request UpsertSettingsRequest
	if err := c.Bind(&request); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}
	if request.Grade < 1 || request.Grade > s.Profile.NumGrades {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "grade out of range"})
	}
	if request.ClassSection < 1 || request.ClassSection > s.Profile.NumClasses {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "class out of range"})
	}
	switch request.AllergyDisplay {
	case "", store.AllergyDisplayNone, store.AllergyDisplayNumber:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown allergy display"})
	}

	setting, err := s.Store.UpsertUserSetting(c.Request().Context(), &store.UpsertUserSetting{
		Platform:     identity.Platform,
		ExternalID:   identity.ExternalID,
		Grade:        request.Grade,
		ClassSection: request.ClassSection,
		Allergy:      request.AllergyDisplay,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save settings").SetInternal(err)
	}
	return c.JSON(http.StatusOK, &SettingsResponse{
		Platform:       setting.Platform,
		UserID:         setting.ExternalID,
		Grade:          setting.Grade,
		ClassSection:   setting.ClassSection,
		AllergyDisplay: setting.Allergy,
	})
}

// DeleteSettings removes the authenticated user's settings.
// DELETE /api/chatbot/settings
func (s *APIV1Service) DeleteSettings(c echo.Context) error {
	identity := identityOf(c)
	deleted, err := s.Store.DeleteUserSetting(c.Request().Context(), &store.DeleteUserSetting{
		Platform:   identity.Platform,
		ExternalID: identity.ExternalID,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete settings").SetInternal(err)
	}
	if !deleted {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no settings"})
	}
	return c.NoContent(http.StatusNoContent)
}
