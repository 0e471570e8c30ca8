package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"calsync/internal/types"
)

// googleCalendarBaseURL is the production API root (overridable for testing).
const googleCalendarBaseURL = "https://www.googleapis.com/calendar/v3"

// maxCursorPages bounds the paging loop when acquiring a fresh sync cursor.
// The provider only returns nextSyncToken on the final page of a listing,
// so a pathological calendar could otherwise turn a "cheap bounded list
// call" into a full crawl.
const maxCursorPages = 20

// Event is the provider-native event representation, mirroring the wire
// format of the Calendar API. Exactly one of Start/End's Date or DateTime
// is set: Date for all-day events, DateTime (with TimeZone) for timed ones.
type Event struct {
	ID                 string              `json:"id,omitempty"`
	Status             string              `json:"status,omitempty"`
	Summary            string              `json:"summary,omitempty"`
	Description        string              `json:"description,omitempty"`
	Location           string              `json:"location,omitempty"`
	Start              *EventDateTime      `json:"start,omitempty"`
	End                *EventDateTime      `json:"end,omitempty"`
	Attendees          []EventAttendee     `json:"attendees,omitempty"`
	ExtendedProperties *ExtendedProperties `json:"extendedProperties,omitempty"`
	HTMLLink           string              `json:"htmlLink,omitempty"`
}

// EventDateTime is a provider date or datetime boundary.
type EventDateTime struct {
	Date     string `json:"date,omitempty"`     // "2026-03-01", all-day
	DateTime string `json:"dateTime,omitempty"` // RFC 3339, timed
	TimeZone string `json:"timeZone,omitempty"`
}

// EventAttendee is one invited attendee.
type EventAttendee struct {
	Email          string `json:"email"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

// ExtendedProperties carries provider-held key/value tags. Private
// properties are visible only to this API client, which makes them a
// second idempotency trail independent of local state.
type ExtendedProperties struct {
	Private map[string]string `json:"private,omitempty"`
}

// EventList is one page of an events listing.
type EventList struct {
	Items         []*Event `json:"items"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
	NextSyncToken string   `json:"nextSyncToken,omitempty"`
}

// WatchRequest describes a push channel registration.
type WatchRequest struct {
	ChannelID string
	Address   string // public webhook URL
	Secret    types.SecretString
	TTL       time.Duration
}

// WatchResult is the provider's confirmation of a channel registration.
type WatchResult struct {
	ResourceID string
	Expiration time.Time
}

// watchBody is the wire format of a channel registration request.
type watchBody struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Address string            `json:"address"`
	Token   string            `json:"token,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// watchResponse is the wire format of a channel registration response.
// Expiration is a millisecond epoch encoded as a string.
type watchResponse struct {
	ResourceID string `json:"resourceId"`
	Expiration string `json:"expiration"`
}

// GoogleCalendarConfig holds the configuration for the Google Calendar
// provider client.
type GoogleCalendarConfig struct {
	HTTPClient  *http.Client
	Logger      *slog.Logger
	CallTimeout time.Duration

	// BaseURL overrides the API root for testing.
	BaseURL string
}

// GoogleCalendarClient talks to the Google Calendar API as raw JSON over
// HTTP through the BaseClient. Every call carries a bounded timeout; a call
// is never left waiting on the provider indefinitely.
type GoogleCalendarClient struct {
	base    *BaseClient
	baseURL string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGoogleCalendarClient creates a provider client with the given config.
func NewGoogleCalendarClient(cfg GoogleCalendarConfig) *GoogleCalendarClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = googleCalendarBaseURL
	}
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	base := NewBaseClient(
		httpClient,
		"google-calendar",
		DefaultRetryPolicy(),
		"calsync/1.0",
	)

	return &GoogleCalendarClient{
		base:    base,
		baseURL: baseURL,
		timeout: timeout,
		logger:  logger,
	}
}

// NewGoogleCalendarClientWithBase creates a client with a pre-configured
// BaseClient. This is useful for testing when the BaseClient configuration
// (sleep function, retry policy) must be controlled.
func NewGoogleCalendarClientWithBase(base *BaseClient, cfg GoogleCalendarConfig) *GoogleCalendarClient {
	c := NewGoogleCalendarClient(cfg)
	c.base = base
	return c
}

// InsertEvent creates a new event on the calendar.
func (c *GoogleCalendarClient) InsertEvent(ctx context.Context, token types.SecretString, calendarID string, event *Event, sendUpdates types.SendUpdates) (*Event, error) {
	endpoint := fmt.Sprintf("%s/calendars/%s/events?sendUpdates=%s",
		c.baseURL, url.PathEscape(calendarID), sendUpdates)

	var created Event
	if err := c.call(ctx, http.MethodPost, endpoint, token, event, &created, nil); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateEvent rewrites an existing event by its external id. A 404 or 410
// maps to ErrCodeProviderEventGone: the projection pointing at this id is
// stale, and the caller clears it and re-creates on the next pass.
func (c *GoogleCalendarClient) UpdateEvent(ctx context.Context, token types.SecretString, calendarID, eventID string, event *Event, sendUpdates types.SendUpdates) (*Event, error) {
	endpoint := fmt.Sprintf("%s/calendars/%s/events/%s?sendUpdates=%s",
		c.baseURL, url.PathEscape(calendarID), url.PathEscape(eventID), sendUpdates)

	var updated Event
	err := c.call(ctx, http.MethodPut, endpoint, token, event, &updated, map[int]types.ErrorCode{
		http.StatusNotFound: types.ErrCodeProviderEventGone,
		http.StatusGone:     types.ErrCodeProviderEventGone,
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ListChanges fetches one page of the calendar's change feed. With a
// syncToken it returns only the delta since that cursor; a 410 maps to
// ErrCodeSyncCursorExpired, which callers must treat as "drop the cursor
// and resync from scratch". With an empty syncToken it lists from scratch
// (the full-resync path), using pageToken to continue.
func (c *GoogleCalendarClient) ListChanges(ctx context.Context, token types.SecretString, calendarID, syncToken, pageToken string) (*EventList, error) {
	params := url.Values{}
	params.Set("showDeleted", "true")
	params.Set("singleEvents", "true")
	if syncToken != "" {
		params.Set("syncToken", syncToken)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	endpoint := fmt.Sprintf("%s/calendars/%s/events?%s",
		c.baseURL, url.PathEscape(calendarID), params.Encode())

	var list EventList
	err := c.call(ctx, http.MethodGet, endpoint, token, nil, &list, map[int]types.ErrorCode{
		http.StatusGone: types.ErrCodeSyncCursorExpired,
	})
	if err != nil {
		return nil, err
	}
	return &list, nil
}

// FetchSyncCursor acquires a fresh sync cursor by walking an events listing
// to its final page, where the provider attaches nextSyncToken. The fields
// filter strips the item bodies so each page is cheap; maxCursorPages bounds
// the walk.
func (c *GoogleCalendarClient) FetchSyncCursor(ctx context.Context, token types.SecretString, calendarID string) (string, error) {
	pageToken := ""
	for page := 0; page < maxCursorPages; page++ {
		params := url.Values{}
		params.Set("maxResults", "250")
		params.Set("fields", "nextPageToken,nextSyncToken")
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}
		endpoint := fmt.Sprintf("%s/calendars/%s/events?%s",
			c.baseURL, url.PathEscape(calendarID), params.Encode())

		var list EventList
		if err := c.call(ctx, http.MethodGet, endpoint, token, nil, &list, nil); err != nil {
			return "", err
		}
		if list.NextSyncToken != "" {
			return list.NextSyncToken, nil
		}
		if list.NextPageToken == "" {
			return "", types.NewAppError(types.ErrCodeUpstreamUnavailable,
				"provider listing ended without a sync token", nil)
		}
		pageToken = list.NextPageToken
	}
	return "", types.NewAppError(types.ErrCodeUpstreamUnavailable,
		fmt.Sprintf("no sync token within %d listing pages", maxCursorPages), nil)
}

// Watch registers a push-notification channel for the calendar.
func (c *GoogleCalendarClient) Watch(ctx context.Context, token types.SecretString, calendarID string, req WatchRequest) (*WatchResult, error) {
	endpoint := fmt.Sprintf("%s/calendars/%s/events/watch",
		c.baseURL, url.PathEscape(calendarID))

	body := watchBody{
		ID:      req.ChannelID,
		Type:    "web_hook",
		Address: req.Address,
		Token:   req.Secret.Unmask(),
	}
	if req.TTL > 0 {
		body.Params = map[string]string{
			"ttl": strconv.FormatInt(int64(req.TTL.Seconds()), 10),
		}
	}

	var resp watchResponse
	if err := c.call(ctx, http.MethodPost, endpoint, token, body, &resp, nil); err != nil {
		return nil, err
	}

	result := &WatchResult{ResourceID: resp.ResourceID}
	if ms, err := strconv.ParseInt(resp.Expiration, 10, 64); err == nil {
		result.Expiration = time.UnixMilli(ms).UTC()
	}
	return result, nil
}

// StopChannel tears down a push channel. A 404 maps to ErrCodeChannelGone:
// the channel already lapsed or was stopped, which every caller treats as
// a non-event.
func (c *GoogleCalendarClient) StopChannel(ctx context.Context, token types.SecretString, channelID, resourceID string) error {
	endpoint := c.baseURL + "/channels/stop"
	body := map[string]string{
		"id":         channelID,
		"resourceId": resourceID,
	}
	return c.call(ctx, http.MethodPost, endpoint, token, body, nil, map[int]types.ErrorCode{
		http.StatusNotFound: types.ErrCodeChannelGone,
	})
}

// call performs one authorized JSON round-trip through the BaseClient.
// statusCodes overrides the error code for specific non-2xx statuses so
// each operation can express its own recovery semantics; anything else
// non-2xx maps by status class.
func (c *GoogleCalendarClient) call(ctx context.Context, method, endpoint string, token types.SecretString, reqBody, respBody any, statusCodes map[int]types.ErrorCode) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal provider request", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build provider request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Unmask())
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if respBody == nil {
			return nil
		}
		// 204 from channels/stop carries no body.
		if resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to decode provider response", err)
		}
		return nil
	}

	// Drain a bounded slice of the error body for diagnostics.
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

	if code, ok := statusCodes[resp.StatusCode]; ok {
		return types.NewAppErrorWithDetails(code,
			fmt.Sprintf("provider returned %d", resp.StatusCode), nil,
			map[string]any{"body": string(detail)})
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewAppError(types.ErrCodeCredentialRevoked,
			"provider rejected the access token", nil)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("provider returned %d", resp.StatusCode), nil,
			map[string]any{"body": string(detail)})
	}
}
