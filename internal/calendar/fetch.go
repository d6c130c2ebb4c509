package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	fetchTimeout   = 30 * time.Second
	fetchUserAgent = "Hearth-Calendar-Sync/1.0"
	fetchAccept    = "text/calendar, application/calendar+json, */*"
)

// FetchResult is the outcome of a conditional feed fetch.
type FetchResult struct {
	Body []byte
	// ETag is the validator to store for the next conditional request. On a
	// 304 the previously stored value is carried through.
	ETag *string
	// NotModified is true when the server answered 304; Body is empty and
	// the stored events are already current.
	NotModified bool
}

// Fetcher downloads iCal feeds over HTTP with conditional-request support.
type Fetcher struct {
	client *http.Client
	now    func() time.Time
}

// NewFetcher returns a Fetcher with the standard request timeout. A nil
// client gets a fresh one.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{client: client, now: time.Now}
}

// Fetch retrieves the feed at rawURL, sending If-None-Match when etag is
// set. webcal URLs are rewritten to http, and plain http is upgraded to
// https except for localhost.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, etag *string) (*FetchResult, error) {
	fetchURL, err := f.normalizeURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("normalizing calendar url: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building calendar request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", fetchAccept)
	if etag != nil && *etag != "" {
		req.Header.Set("If-None-Match", *etag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: calendar server did not respond in time", ErrFetchTimeout)
		}
		return nil, fmt.Errorf("fetching calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		kept := etag
		if v := resp.Header.Get("ETag"); kept == nil && v != "" {
			kept = &v
		}
		return &FetchResult{ETag: kept, NotModified: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching calendar: HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading calendar body: %w", err)
	}

	result := &FetchResult{Body: body, ETag: etag}
	if v := resp.Header.Get("ETag"); v != "" {
		result.ETag = &v
	}
	return result, nil
}

// normalizeURL rewrites webcal to http, upgrades http to https for
// non-localhost hosts, and bounds published Google Calendar feeds with
// start-min/start-max so they do not return years of dead history.
func (f *Fetcher) normalizeURL(rawURL string) (string, error) {
	normalized := rawURL
	if strings.HasPrefix(strings.ToLower(normalized), "webcal://") {
		normalized = "http://" + normalized[len("webcal://"):]
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return "", err
	}
	if u.Scheme == "http" && !isLoopback(u.Hostname()) {
		u.Scheme = "https"
	}

	if strings.Contains(u.Host, "calendar.google.com") || strings.Contains(normalized, "google.com/calendar") {
		now := f.now().UTC()
		w := DefaultWindow(now)
		q := u.Query()
		if q.Get("start-min") == "" {
			q.Set("start-min", w.Start.Format("20060102"))
		}
		if q.Get("start-max") == "" {
			q.Set("start-max", w.End.Format("20060102"))
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
