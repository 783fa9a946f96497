// Package chatbot answers free-form Korean messages from the messaging
// platforms with cached school data. Intent matching is keyword based;
// anything smarter belongs to the platforms themselves.
package chatbot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hdmeal/hdmeal/server/auth"
	"github.com/hdmeal/hdmeal/server/timezone"
	"github.com/hdmeal/hdmeal/store"
)

// Request is one inbound chatbot message.
type Request struct {
	Platform string `json:"platform"`
	UserID   string `json:"userId"`
	Text     string `json:"text"`
}

// Reply is the rendered answer. SettingsToken is only set when the user
// asked to manage their settings.
type Reply struct {
	Text          string `json:"text"`
	SettingsToken string `json:"settingsToken,omitempty"`
}

type intent int

const (
	intentUnknown intent = iota
	intentMeal
	intentTimetable
	intentSchedule
	intentWeather
	intentWaterTemperature
	intentSettings
)

type Service struct {
	store  *store.Store
	signer *auth.Signer
	now    func() time.Time
}

func NewService(st *store.Store, signer *auth.Signer) *Service {
	return &Service{store: st, signer: signer, now: timezone.NowKST}
}

// WithClock substitutes the wall clock. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// HandleMessage resolves the message's intent and target date and renders
// the answer from the cache. It never triggers synchronization: the dates
// users ask about sit inside the warm window the refresh runner keeps
// fresh, and a cache miss is answered as "no data".
func (s *Service) HandleMessage(ctx context.Context, request *Request) (*Reply, error) {
	if strings.TrimSpace(request.Text) == "" {
		return &Reply{Text: helpText}, nil
	}

	matched := matchIntent(request.Text)
	if matched == intentUnknown {
		return &Reply{Text: helpText}, nil
	}
	if matched == intentSettings {
		return s.settingsReply(request)
	}

	date := matchDate(request.Text, store.Day(s.now().In(timezone.KST)))
	switch matched {
	case intentMeal:
		return s.mealReply(ctx, request, date)
	case intentTimetable:
		return s.timetableReply(ctx, request, date)
	case intentSchedule:
		return s.scheduleReply(ctx, date)
	case intentWeather:
		return s.weatherReply(ctx, date)
	case intentWaterTemperature:
		return s.waterReply(ctx, date)
	}
	return &Reply{Text: helpText}, nil
}

const helpText = "무엇을 도와드릴까요? \"오늘 급식\", \"내일 시간표\", \"날씨\", \"수온\", \"학사일정\", \"설정\"처럼 물어보세요."

var intentKeywords = []struct {
	intent   intent
	keywords []string
}{
	{intentSettings, []string{"설정", "등록"}},
	{intentMeal, []string{"급식", "식단", "메뉴", "밥"}},
	{intentTimetable, []string{"시간표"}},
	{intentSchedule, []string{"학사일정", "일정", "행사"}},
	{intentWeather, []string{"날씨"}},
	{intentWaterTemperature, []string{"수온", "한강"}},
}

func matchIntent(text string) intent {
	for _, candidate := range intentKeywords {
		for _, keyword := range candidate.keywords {
			if strings.Contains(text, keyword) {
				return candidate.intent
			}
		}
	}
	return intentUnknown
}

var dateWords = []struct {
	word   string
	offset int
}{
	{"내일모레", 2},
	{"모레", 2},
	{"내일", 1},
	{"어제", -1},
	{"오늘", 0},
}

func matchDate(text string, today time.Time) time.Time {
	for _, candidate := range dateWords {
		if strings.Contains(text, candidate.word) {
			return today.AddDate(0, 0, candidate.offset)
		}
	}
	return today
}

func (s *Service) settingsReply(request *Request) (*Reply, error) {
	token, err := s.signer.Sign(&auth.Identity{
		Platform:   request.Platform,
		ExternalID: request.UserID,
		Scopes:     []string{auth.ScopeManageUserInfo},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to issue settings token")
	}
	return &Reply{
		Text:          "설정 페이지에서 학년/반과 알레르기 표시 방식을 바꿀 수 있어요. 아래 토큰은 10분 동안 유효합니다.",
		SettingsToken: token,
	}, nil
}

func (s *Service) recordOf(ctx context.Context, dataType store.DataType, date time.Time, grade, class int) (*store.Record, error) {
	window := store.SingleDay(date)
	records, err := s.store.ListRecords(ctx, &store.FindRecord{
		Type:         dataType,
		Range:        &window,
		Grade:        &grade,
		ClassSection: &class,
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (s *Service) mealReply(ctx context.Context, request *Request, date time.Time) (*Reply, error) {
	record, err := s.recordOf(ctx, store.DataTypeMeal, date, 0, 0)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Absent {
		return &Reply{Text: fmt.Sprintf("%s에는 급식 정보가 없어요.", store.FormatDate(date))}, nil
	}

	var payload store.MealPayload
	if err := record.DecodePayload(&payload); err != nil {
		return nil, err
	}

	showAllergy := true
	setting, err := s.store.GetUserSetting(ctx, &store.FindUserSetting{Platform: request.Platform, ExternalID: request.UserID})
	if err != nil {
		return nil, err
	}
	if setting != nil && setting.Allergy == store.AllergyDisplayNone {
		showAllergy = false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s 급식:\n", store.FormatDate(date))
	for _, menu := range payload.Menus {
		b.WriteString(menu.Name)
		if showAllergy && len(menu.Allergies) > 0 {
			codes := make([]string, len(menu.Allergies))
			for i, code := range menu.Allergies {
				codes[i] = fmt.Sprintf("%d", code)
			}
			fmt.Fprintf(&b, "(%s)", strings.Join(codes, ","))
		}
		b.WriteString("\n")
	}
	if payload.Calories != nil {
		fmt.Fprintf(&b, "열량: %.1f kcal", *payload.Calories)
	}
	return &Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (s *Service) timetableReply(ctx context.Context, request *Request, date time.Time) (*Reply, error) {
	setting, err := s.store.GetUserSetting(ctx, &store.FindUserSetting{Platform: request.Platform, ExternalID: request.UserID})
	if err != nil {
		return nil, err
	}
	if setting == nil {
		return &Reply{Text: "먼저 \"설정\"이라고 보내서 학년/반을 등록해 주세요."}, nil
	}

	record, err := s.recordOf(ctx, store.DataTypeTimetable, date, setting.Grade, setting.ClassSection)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Absent {
		return &Reply{Text: fmt.Sprintf("%s %d학년 %d반 시간표가 없어요.", store.FormatDate(date), setting.Grade, setting.ClassSection)}, nil
	}

	var payload store.TimetablePayload
	if err := record.DecodePayload(&payload); err != nil {
		return nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d학년 %d반 시간표:\n", store.FormatDate(date), setting.Grade, setting.ClassSection)
	for i, subject := range payload.Subjects {
		fmt.Fprintf(&b, "%d교시 %s\n", i+1, subject)
	}
	return &Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (s *Service) scheduleReply(ctx context.Context, date time.Time) (*Reply, error) {
	record, err := s.recordOf(ctx, store.DataTypeSchedule, date, 0, 0)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Absent {
		return &Reply{Text: fmt.Sprintf("%s에는 학사일정이 없어요.", store.FormatDate(date))}, nil
	}

	var payload store.SchedulePayload
	if err := record.DecodePayload(&payload); err != nil {
		return nil, err
	}
	return &Reply{Text: fmt.Sprintf("%s 학사일정:\n%s", store.FormatDate(date), payload.Summary)}, nil
}

func (s *Service) weatherReply(ctx context.Context, date time.Time) (*Reply, error) {
	record, err := s.recordOf(ctx, store.DataTypeWeather, date, 0, 0)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Absent {
		return &Reply{Text: fmt.Sprintf("%s 날씨 예보가 아직 없어요.", store.FormatDate(date))}, nil
	}

	var payload store.WeatherPayload
	if err := record.DecodePayload(&payload); err != nil {
		return nil, err
	}
	text := fmt.Sprintf("%s 날씨:\n하늘: %s\n강수: %s (%s%%)\n기온: %s℃ (최저 %s℃ / 최고 %s℃)\n습도: %s%%",
		store.FormatDate(date), payload.Sky, payload.Precipitation, payload.PrecipProbability,
		payload.Temp, payload.TempMin, payload.TempMax, payload.Humidity)
	return &Reply{Text: text}, nil
}

func (s *Service) waterReply(ctx context.Context, date time.Time) (*Reply, error) {
	record, err := s.recordOf(ctx, store.DataTypeWaterTemperature, date, 0, 0)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Absent {
		return &Reply{Text: "한강 수온 정보가 아직 없어요."}, nil
	}

	var payload store.WaterTemperaturePayload
	if err := record.DecodePayload(&payload); err != nil {
		return nil, err
	}
	return &Reply{Text: fmt.Sprintf("한강 수온: %.2f℃", payload.TemperatureC)}, nil
}
