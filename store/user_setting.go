package store

import (
	"context"
	"fmt"
)

// AllergyDisplay controls how allergy codes are rendered for a user.
type AllergyDisplay string

const (
	AllergyDisplayNone   AllergyDisplay = "None"
	AllergyDisplayNumber AllergyDisplay = "Number"
)

// UserSetting holds the per-user rendering preferences supplied by the
// chatbot platforms. It selects which timetable rows to render and never
// gates synchronization.
type UserSetting struct {
	ID           int32
	Platform     string
	ExternalID   string
	Grade        int
	ClassSection int
	Allergy      AllergyDisplay
	CreatedTs    int64
	UpdatedTs    int64
}

// UpsertUserSetting is the upsert request for a user setting.
type UpsertUserSetting struct {
	Platform     string
	ExternalID   string
	Grade        int
	ClassSection int
	Allergy      AllergyDisplay
}

// FindUserSetting is the find condition for a user setting.
type FindUserSetting struct {
	Platform   string
	ExternalID string
}

// DeleteUserSetting is the delete request for a user setting.
type DeleteUserSetting struct {
	Platform   string
	ExternalID string
}

func userSettingCacheKey(platform, externalID string) string {
	return fmt.Sprintf("%s:%s", platform, externalID)
}

// UpsertUserSetting creates or replaces a user setting.
func (s *Store) UpsertUserSetting(ctx context.Context, upsert *UpsertUserSetting) (*UserSetting, error) {
	if upsert.Allergy == "" {
		upsert.Allergy = AllergyDisplayNumber
	}
	setting, err := s.driver.UpsertUserSetting(ctx, upsert)
	if err != nil {
		return nil, err
	}
	s.userSettingCache.Set(ctx, userSettingCacheKey(setting.Platform, setting.ExternalID), setting)
	return setting, nil
}

// GetUserSetting returns the setting for a user, or nil when none exists.
func (s *Store) GetUserSetting(ctx context.Context, find *FindUserSetting) (*UserSetting, error) {
	key := userSettingCacheKey(find.Platform, find.ExternalID)
	if cached, ok := s.userSettingCache.Get(ctx, key); ok {
		if setting, ok := cached.(*UserSetting); ok {
			return setting, nil
		}
	}
	setting, err := s.driver.GetUserSetting(ctx, find)
	if err != nil {
		return nil, err
	}
	if setting != nil {
		s.userSettingCache.Set(ctx, key, setting)
	}
	return setting, nil
}

// DeleteUserSetting removes a user setting. It reports whether a row was
// actually deleted.
func (s *Store) DeleteUserSetting(ctx context.Context, delete *DeleteUserSetting) (bool, error) {
	deleted, err := s.driver.DeleteUserSetting(ctx, delete)
	if err != nil {
		return false, err
	}
	s.userSettingCache.Delete(ctx, userSettingCacheKey(delete.Platform, delete.ExternalID))
	return deleted, nil
}
