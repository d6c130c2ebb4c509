package google

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	oauth2v2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/caleblanchard/hearth-sync/internal/calendar"
	"github.com/caleblanchard/hearth-sync/internal/crypto"
	"github.com/caleblanchard/hearth-sync/internal/storage"
	"github.com/caleblanchard/hearth-sync/internal/storage/models"
)

// scopes requested on every authorization: event read/write, calendar
// metadata, and the account email shown in the connection list.
var scopes = []string{
	gcal.CalendarEventsScope,
	gcal.CalendarReadonlyScope,
	"https://www.googleapis.com/auth/userinfo.email",
}

const (
	fullSyncMaxResults = 250
	untitledEvent      = "Untitled Event"
)

// TokenSet is the plaintext result of an OAuth code exchange. Callers
// encrypt it before persisting.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Client talks to the Google Calendar API on behalf of stored connections.
// It implements calendar.ProviderClient. Tokens are held encrypted on the
// connection rows and only decrypted here.
type Client struct {
	oauth       *oauth2.Config
	connections *storage.ConnectionRepository
	encryptor   *crypto.Encryptor

	apiEndpoint string
	httpClient  *http.Client
	now         func() time.Time
}

// Option customizes a Client, used by tests to point at a stub server.
type Option func(*Client)

// WithAPIEndpoint overrides the Calendar API base URL.
func WithAPIEndpoint(url string) Option {
	return func(c *Client) { c.apiEndpoint = url }
}

// WithOAuthEndpoint overrides the token and auth URLs.
func WithOAuthEndpoint(ep oauth2.Endpoint) Option {
	return func(c *Client) { c.oauth.Endpoint = ep }
}

// WithHTTPClient sets the base HTTP client used for token exchange.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds the provider client. cfg must already be validated.
func NewClient(cfg Config, connections *storage.ConnectionRepository, encryptor *crypto.Encryptor, opts ...Option) *Client {
	c := &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL(),
			Scopes:       scopes,
			Endpoint:     googleoauth.Endpoint,
		},
		connections: connections,
		encryptor:   encryptor,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthURL returns the authorization URL for the consent screen. Offline
// access plus forced approval guarantees Google returns a refresh token even
// for accounts that authorized before.
func (c *Client) AuthURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the OAuth callback code for tokens. A response without a
// refresh token is rejected: the connection would work until the first
// access-token expiry and then be permanently broken.
func (c *Client) Exchange(ctx context.Context, code string) (*TokenSet, error) {
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token returned from Google")
	}
	return &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// UserEmail fetches the email of the account behind an access token, for
// labeling the connection after the OAuth callback.
func (c *Client) UserEmail(ctx context.Context, accessToken string) (string, error) {
	httpClient := oauth2.NewClient(c.oauthContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(c.apiEndpoint))
	}
	svc, err := oauth2v2.NewService(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("creating userinfo service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("fetching user info: %w", err)
	}
	return info.Email, nil
}

// ImportEvents pulls events for the connection, incrementally when a sync
// cursor is stored. An invalidated cursor (410 Gone) is cleared and the pull
// retried once as a full sync.
func (c *Client) ImportEvents(ctx context.Context, conn *models.CalendarConnection, w calendar.Window) (*calendar.Import, error) {
	svc, err := c.service(ctx, conn)
	if err != nil {
		return nil, err
	}

	from := c.now().UTC()
	syncToken := conn.SyncToken
	for attempt := 0; ; attempt++ {
		records, next, err := c.listEvents(ctx, svc, conn.CalendarID, syncToken, from, w)
		if err == nil {
			imp := &calendar.Import{Records: records, Cursor: next}
			if syncToken == nil {
				imp.FullSyncFrom = &from
			}
			return imp, nil
		}

		var gerr *googleapi.Error
		if attempt == 0 && syncToken != nil && errors.As(err, &gerr) && gerr.Code == http.StatusGone {
			// The stored cursor has expired server-side. One full resync
			// rebuilds it.
			log.Printf("Sync token expired for connection %s, falling back to full sync", conn.ID)
			if uerr := c.connections.UpdateSyncToken(ctx, conn.ID, nil); uerr != nil {
				return nil, fmt.Errorf("clearing expired sync token: %w", uerr)
			}
			syncToken = nil
			continue
		}
		return nil, fmt.Errorf("listing events: %w", err)
	}
}

func (c *Client) listEvents(ctx context.Context, svc *gcal.Service, calendarID string, syncToken *string, from time.Time, w calendar.Window) ([]calendar.EventRecord, *string, error) {
	if calendarID == "" {
		calendarID = models.DefaultCalendarID
	}

	records := make([]calendar.EventRecord, 0)
	var nextSyncToken *string
	pageToken := ""
	for {
		call := svc.Events.List(calendarID).SingleEvents(true).Context(ctx)
		if syncToken != nil {
			call = call.SyncToken(*syncToken)
		} else {
			call = call.
				TimeMin(from.Format(time.RFC3339)).
				TimeMax(w.End.Format(time.RFC3339)).
				MaxResults(fullSyncMaxResults).
				OrderBy("startTime")
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, nil, err
		}

		for _, item := range resp.Items {
			rec, ok := importRecord(item)
			if !ok {
				continue
			}
			records = append(records, rec)
		}

		if resp.NextSyncToken != "" {
			token := resp.NextSyncToken
			nextSyncToken = &token
		}
		if resp.NextPageToken == "" {
			return records, nextSyncToken, nil
		}
		pageToken = resp.NextPageToken
	}
}

// importRecord converts an API event into the normalized record form.
func importRecord(item *gcal.Event) (calendar.EventRecord, bool) {
	if item.Id == "" {
		return calendar.EventRecord{}, false
	}
	if item.Status == "cancelled" {
		return calendar.EventRecord{UID: item.Id, Cancelled: true}, true
	}
	if item.Start == nil || item.End == nil {
		log.Printf("Skipping event %s without start or end", item.Id)
		return calendar.EventRecord{}, false
	}

	rec := calendar.EventRecord{
		UID:         item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		URL:         item.HtmlLink,
	}
	if rec.Title == "" {
		rec.Title = untitledEvent
	}

	rec.AllDay = item.Start.Date != "" && item.Start.DateTime == ""
	var err error
	if rec.AllDay {
		rec.StartTime, err = time.ParseInLocation("2006-01-02", item.Start.Date, time.UTC)
		if err == nil {
			rec.EndTime, err = time.ParseInLocation("2006-01-02", item.End.Date, time.UTC)
		}
	} else {
		rec.StartTime, err = time.Parse(time.RFC3339, item.Start.DateTime)
		if err == nil {
			rec.EndTime, err = time.Parse(time.RFC3339, item.End.DateTime)
		}
	}
	if err != nil {
		log.Printf("Skipping event %s with unparseable times: %v", item.Id, err)
		return calendar.EventRecord{}, false
	}

	if item.Updated != "" {
		if t, uerr := time.Parse(time.RFC3339, item.Updated); uerr == nil {
			rec.LastModified = &t
		}
	}
	return rec, true
}

// ExportEvent creates a local event on the provider calendar.
func (c *Client) ExportEvent(ctx context.Context, conn *models.CalendarConnection, ev *models.CalendarEvent) (string, error) {
	svc, err := c.service(ctx, conn)
	if err != nil {
		return "", err
	}
	created, err := svc.Events.Insert(exportCalendarID(conn), exportBody(ev)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("inserting event: %w", err)
	}
	return created.Id, nil
}

// UpdateEvent pushes changed fields of an already exported event.
func (c *Client) UpdateEvent(ctx context.Context, conn *models.CalendarConnection, externalID string, ev *models.CalendarEvent) error {
	svc, err := c.service(ctx, conn)
	if err != nil {
		return err
	}
	if _, err := svc.Events.Update(exportCalendarID(conn), externalID, exportBody(ev)).Context(ctx).Do(); err != nil {
		return fmt.Errorf("updating event: %w", err)
	}
	return nil
}

// DeleteEvent removes an exported event. A 404 means it is already gone and
// counts as success.
func (c *Client) DeleteEvent(ctx context.Context, conn *models.CalendarConnection, externalID string) error {
	svc, err := c.service(ctx, conn)
	if err != nil {
		return err
	}
	err = svc.Events.Delete(exportCalendarID(conn), externalID).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("deleting event: %w", err)
	}
	return nil
}

func exportCalendarID(conn *models.CalendarConnection) string {
	if conn.CalendarID != "" {
		return conn.CalendarID
	}
	return models.DefaultCalendarID
}

// exportBody maps a local event to the provider representation. All-day
// events use date values; timed events are exported in UTC.
func exportBody(ev *models.CalendarEvent) *gcal.Event {
	body := &gcal.Event{Summary: ev.Title}
	if ev.Description != nil && *ev.Description != "" {
		body.Description = *ev.Description
	}
	if ev.Location != nil && *ev.Location != "" {
		body.Location = *ev.Location
	}
	if ev.IsAllDay {
		body.Start = &gcal.EventDateTime{Date: ev.StartTime.UTC().Format("2006-01-02")}
		body.End = &gcal.EventDateTime{Date: ev.EndTime.UTC().Format("2006-01-02")}
	} else {
		body.Start = &gcal.EventDateTime{DateTime: ev.StartTime.UTC().Format(time.RFC3339), TimeZone: "UTC"}
		body.End = &gcal.EventDateTime{DateTime: ev.EndTime.UTC().Format(time.RFC3339), TimeZone: "UTC"}
	}
	return body
}

// service builds an authenticated Calendar API client for the connection,
// refreshing the access token first when it has expired.
func (c *Client) service(ctx context.Context, conn *models.CalendarConnection) (*gcal.Service, error) {
	accessToken, err := c.accessToken(ctx, conn)
	if err != nil {
		return nil, err
	}

	httpClient := oauth2.NewClient(c.oauthContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(c.apiEndpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return svc, nil
}

// accessToken returns a valid plaintext access token for the connection. An
// expired token is refreshed and the new ciphertext persisted; a rejected
// refresh marks the connection errored until the user re-authorizes.
func (c *Client) accessToken(ctx context.Context, conn *models.CalendarConnection) (string, error) {
	if !conn.TokenExpired(c.now()) {
		token, err := c.encryptor.Decrypt(conn.AccessToken)
		if err != nil {
			return "", fmt.Errorf("decrypting access token: %w", err)
		}
		return token, nil
	}

	refreshToken, err := c.encryptor.Decrypt(conn.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypting refresh token: %w", err)
	}

	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		msg := fmt.Sprintf("Token refresh failed: %v", err)
		if merr := c.connections.MarkError(ctx, conn.ID, msg); merr != nil {
			log.Printf("Failed to mark connection %s errored: %v", conn.ID, merr)
		}
		return "", fmt.Errorf("%w: %v", calendar.ErrAuthExpired, err)
	}

	encrypted, err := c.encryptor.Encrypt(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypting refreshed token: %w", err)
	}
	conn.AccessToken = encrypted
	expiry := tok.Expiry
	conn.TokenExpiresAt = &expiry
	if err := c.connections.UpdateTokens(ctx, conn); err != nil {
		return "", fmt.Errorf("persisting refreshed token: %w", err)
	}
	return tok.AccessToken, nil
}

// oauthContext threads the configured base HTTP client into oauth2 calls.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	if c.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	return ctx
}
