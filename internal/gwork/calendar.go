package gwork

import (
	"context"
	"fmt"
	"time"

	calendar "google.golang.org/api/calendar/v3"

	"github.com/hitoshi/kizuna/internal/model"
)

// GoogleCalendarClient はGoogle Calendar APIによるCalendarService実装。
type GoogleCalendarClient struct {
	svc *calendar.Service
}

// NewGoogleCalendarClient はGoogleCalendarClientを生成する。
func NewGoogleCalendarClient(svc *calendar.Service) *GoogleCalendarClient {
	return &GoogleCalendarClient{svc: svc}
}

// Timezone はアカウントのカレンダータイムゾーン設定を返す。
func (c *GoogleCalendarClient) Timezone(ctx context.Context) (string, error) {
	setting, err := c.svc.Settings.Get("timezone").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get calendar timezone setting: %w", err)
	}
	return setting.Value, nil
}

// ListCalendars はアカウントのカレンダー一覧を返す。
func (c *GoogleCalendarClient) ListCalendars(ctx context.Context) ([]CalendarInfo, error) {
	var calendars []CalendarInfo
	pageToken := ""
	for {
		call := c.svc.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list calendars: %w", err)
		}
		for _, item := range resp.Items {
			calendars = append(calendars, CalendarInfo{
				ID:         item.Id,
				Summary:    item.Summary,
				AccessRole: item.AccessRole,
				Primary:    item.Primary,
			})
		}
		if resp.NextPageToken == "" {
			return calendars, nil
		}
		pageToken = resp.NextPageToken
	}
}

// ListEvents は条件に一致するイベントをページ単位で返す。
// 保存済みSyncTokenが失効している場合はErrSyncTokenExpiredを返す。
func (c *GoogleCalendarClient) ListEvents(ctx context.Context, q EventQuery) (*EventPage, error) {
	call := c.svc.Events.List(q.CalendarID).
		SingleEvents(true).
		ShowDeleted(true).
		Context(ctx)
	if q.SyncToken != "" {
		call = call.SyncToken(q.SyncToken)
	} else {
		call = call.TimeMin(q.TimeMin.Format(time.RFC3339)).TimeMax(q.TimeMax.Format(time.RFC3339))
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		if isGoneError(err) {
			return nil, ErrSyncTokenExpired
		}
		return nil, fmt.Errorf("failed to list calendar events: %w", err)
	}

	page := &EventPage{
		Events:        make([]EventData, 0, len(resp.Items)),
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
	}
	for _, item := range resp.Items {
		page.Events = append(page.Events, convertEvent(q.CalendarID, item))
	}
	return page, nil
}

// FreeBusy は指定カレンダー群のbusy区間を取得する。
func (c *GoogleCalendarClient) FreeBusy(ctx context.Context, calendarIDs []string, from, to time.Time, timezone string) ([]model.BusyInterval, error) {
	items := make([]*calendar.FreeBusyRequestItem, 0, len(calendarIDs))
	for _, id := range calendarIDs {
		items = append(items, &calendar.FreeBusyRequestItem{Id: id})
	}
	req := &calendar.FreeBusyRequest{
		TimeMin:  from.Format(time.RFC3339),
		TimeMax:  to.Format(time.RFC3339),
		TimeZone: timezone,
		Items:    items,
	}
	resp, err := c.svc.Freebusy.Query(req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to query freebusy: %w", err)
	}

	var intervals []model.BusyInterval
	for _, cal := range resp.Calendars {
		for _, busy := range cal.Busy {
			start, err := time.Parse(time.RFC3339, busy.Start)
			if err != nil {
				continue
			}
			end, err := time.Parse(time.RFC3339, busy.End)
			if err != nil {
				continue
			}
			intervals = append(intervals, model.BusyInterval{Start: start, End: end})
		}
	}
	return intervals, nil
}

// convertEvent はAPIレスポンスのイベントを正規化表現に変換する。
func convertEvent(calendarID string, item *calendar.Event) EventData {
	data := EventData{
		ExternalID:       item.Id,
		CalendarID:       calendarID,
		Title:            item.Summary,
		Description:      item.Description,
		Private:          item.Visibility == "private" || item.Visibility == "confidential",
		Location:         item.Location,
		MeetingURL:       item.HangoutLink,
		Status:           item.Status,
		RecurringEventID: item.RecurringEventId,
		Cancelled:        item.Status == "cancelled",
	}
	if item.Start != nil {
		if item.Start.DateTime != "" {
			data.Start, _ = time.Parse(time.RFC3339, item.Start.DateTime)
		} else if item.Start.Date != "" {
			data.Start, _ = time.Parse("2006-01-02", item.Start.Date)
			data.AllDay = true
		}
	}
	if item.End != nil {
		if item.End.DateTime != "" {
			data.End, _ = time.Parse(time.RFC3339, item.End.DateTime)
		} else if item.End.Date != "" {
			data.End, _ = time.Parse("2006-01-02", item.End.Date)
		}
	}
	if data.MeetingURL == "" && item.ConferenceData != nil {
		for _, ep := range item.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" {
				data.MeetingURL = ep.Uri
				break
			}
		}
	}
	for _, att := range item.Attendees {
		if att.Email != "" {
			data.Attendees = append(data.Attendees, att.Email)
		}
	}
	return data
}

var _ CalendarService = (*GoogleCalendarClient)(nil)
