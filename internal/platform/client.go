package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.gotinder.com"
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	threadPageSize = 100
)

// HTTPStatusError captures a non-2xx response from the platform.
type HTTPStatusError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("platform: unexpected status %d from %s: %s", e.StatusCode, e.Path, e.Body)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

// Client talks to the dating platform's HTTP API.
type Client struct {
	token      string
	baseURL    string
	locale     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different host. An empty value keeps
// the default.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if u := strings.TrimRight(strings.TrimSpace(baseURL), "/"); u != "" {
			c.baseURL = u
		}
	}
}

// WithLocale sets the locale query parameter sent on profile lookups.
func WithLocale(locale string) Option {
	return func(c *Client) { c.locale = locale }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a platform client authenticated with token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		baseURL:    defaultBaseURL,
		locale:     "en",
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListMatches fetches one page of matches. hasMessages selects matches with
// (true) or without (false) an existing conversation. The returned token is
// empty on the last page.
func (c *Client) ListMatches(ctx context.Context, pageSize int, hasMessages bool, pageToken string) ([]Match, string, error) {
	q := url.Values{}
	q.Set("count", strconv.Itoa(pageSize))
	if hasMessages {
		q.Set("message", "1")
	} else {
		q.Set("message", "0")
	}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}

	var resp matchesResponse
	if _, err := c.doJSON(ctx, http.MethodGet, "/v2/matches?"+q.Encode(), nil, &resp); err != nil {
		return nil, "", err
	}

	out := make([]Match, 0, len(resp.Data.Matches))
	for _, m := range resp.Data.Matches {
		out = append(out, Match{ID: m.ID, PersonID: m.Person.ID, Name: m.Person.Name})
	}
	return out, resp.Data.NextPageToken, nil
}

// GetPerson fetches the extended profile of a matched person. A response
// without an id yields ErrMissingID.
func (c *Client) GetPerson(ctx context.Context, personID string) (Person, error) {
	q := url.Values{}
	q.Set("locale", c.locale)

	var resp personResponse
	if _, err := c.doJSON(ctx, http.MethodGet, "/user/"+url.PathEscape(personID)+"?"+q.Encode(), nil, &resp); err != nil {
		return Person{}, err
	}
	r := resp.Results
	if r.ID == "" {
		return Person{}, ErrMissingID
	}

	p := Person{ID: r.ID, Name: r.Name, Bio: r.Bio}
	if r.DistanceMi != nil {
		km := math.Round(*r.DistanceMi*kmPerMile*10) / 10
		p.DistanceKm = &km
	}
	if r.BirthDate != "" {
		bd, err := time.Parse(time.RFC3339, r.BirthDate)
		if err != nil {
			return Person{}, fmt.Errorf("platform: parsing birth_date %q: %w", r.BirthDate, err)
		}
		bd = bd.UTC()
		p.BirthDate = &bd
	}
	return p, nil
}

// SendMessage posts body into the match's conversation. The result's ID is
// empty when the platform did not acknowledge the message.
func (c *Client) SendMessage(ctx context.Context, matchID, fromID, toID, body string) (SendResult, error) {
	req := sendRequest{UserID: fromID, OtherID: toID, MatchID: matchID, Message: body}
	var res SendResult
	if _, err := c.doJSON(ctx, http.MethodPost, "/user/matches/"+url.PathEscape(matchID), req, &res); err != nil {
		return SendResult{}, err
	}
	return res, nil
}

// Unmatch removes the match on the platform. Non-2xx statuses are reported
// in the result rather than as an error.
func (c *Client) Unmatch(ctx context.Context, matchID string) (UnmatchResult, error) {
	status, err := c.doJSON(ctx, http.MethodDelete, "/user/matches/"+url.PathEscape(matchID), nil, nil)
	if err != nil {
		if se, ok := err.(*HTTPStatusError); ok {
			return UnmatchResult{StatusCode: se.StatusCode}, nil
		}
		return UnmatchResult{}, err
	}
	return UnmatchResult{StatusCode: status}, nil
}

// GetProfile fetches the local account's profile.
func (c *Client) GetProfile(ctx context.Context) (Profile, error) {
	var resp profileResponse
	if _, err := c.doJSON(ctx, http.MethodGet, "/v2/profile?include=user", nil, &resp); err != nil {
		return Profile{}, err
	}
	u := resp.Data.User
	if u.ID == "" {
		return Profile{}, ErrMissingID
	}
	p := Profile{ID: u.ID, Bio: u.Bio, Interests: []string{}}
	for _, in := range u.UserInterests.SelectedInterests {
		p.Interests = append(p.Interests, in.Name)
	}
	return p, nil
}

// GetMessages fetches the match's whole conversation, following page tokens
// until the platform returns none, ordered oldest first.
func (c *Client) GetMessages(ctx context.Context, matchID string) (Thread, error) {
	msgs := []Message{}
	token := ""
	for {
		q := url.Values{}
		q.Set("count", strconv.Itoa(threadPageSize))
		if token != "" {
			q.Set("page_token", token)
		}

		var resp messagesResponse
		if _, err := c.doJSON(ctx, http.MethodGet, "/v2/matches/"+url.PathEscape(matchID)+"/messages?"+q.Encode(), nil, &resp); err != nil {
			return Thread{}, err
		}
		msgs = append(msgs, resp.Data.Messages...)

		next := resp.Data.NextPageToken
		if next == "" || next == token || len(resp.Data.Messages) == 0 {
			break
		}
		token = next
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })
	return Thread{MatchID: matchID, Messages: msgs}, nil
}

// doJSON sends a request, retrying on 429, and decodes a 2xx body into out
// when out is non-nil. It returns the final HTTP status.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("platform: marshalling request: %w", err)
		}
	}

	var lastErr error
	for attempt := range maxRetries {
		status, raw, err := c.do(ctx, method, path, body)
		if err == nil {
			if out != nil && len(raw) > 0 {
				if err := json.Unmarshal(raw, out); err != nil {
					return status, fmt.Errorf("platform: decoding %s: %w", path, err)
				}
			}
			return status, nil
		}
		if !isRateLimit(err) {
			return status, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			c.logger.Debug("platform rate limited, backing off", "path", path, "backoff", backoff)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return http.StatusTooManyRequests, fmt.Errorf("platform: rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, nil, fmt.Errorf("platform: creating request: %w", err)
	}
	req.Header.Set("X-Auth-Token", c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("platform: executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, nil, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, nil, &HTTPStatusError{StatusCode: resp.StatusCode, Path: path, Body: string(buf)}
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("platform: reading response: %w", err)
	}
	return resp.StatusCode, buf, nil
}
