package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 4
	backoffBase        = 500 * time.Millisecond
	backoffCap         = 15 * time.Second

	// initialRate is used until the first response advertises real quota
	// headers. Deliberately conservative, one request per second.
	initialRate = rate.Limit(1)
)

// Resource identifies one paginated API collection. Each resource gets its
// own quota window.
type Resource string

const (
	ResourceMe          Resource = "me"
	ResourceFollowers   Resource = "followers"
	ResourceFollowing   Resource = "following"
	ResourcePostMetrics Resource = "post-metrics"
)

// ErrorKind classifies API failures for the caller's retry decisions.
type ErrorKind int

const (
	// KindThrottled means the quota window is exhausted; retry after RetryAfter.
	KindThrottled ErrorKind = iota
	// KindUnauthorized means the credential was rejected. Never retried.
	KindUnauthorized
	// KindTransient covers network errors and 5xx responses.
	KindTransient
	// KindPermanent covers other 4xx responses and exhausted retries.
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindUnauthorized:
		return "unauthorized"
	case KindTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Error is the typed failure returned by Client calls.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("api %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api %s: %s", e.Kind, e.Message)
}

// KindOf extracts the error kind, defaulting to permanent for foreign errors.
func KindOf(err error) ErrorKind {
	if apiErr, ok := err.(*Error); ok {
		return apiErr.Kind
	}
	return KindPermanent
}

// Envelope is the general structure of all API responses: a data payload, an
// optional partial-error list (e.g. for ids that no longer resolve), and
// pagination metadata.
type Envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Value string `json:"value"`
		Title string `json:"title"`
	} `json:"errors"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
}

// MissingIDs returns the ids the API reported as unresolvable in this page.
func (e *Envelope) MissingIDs() []string {
	ids := make([]string, 0, len(e.Errors))
	for _, pe := range e.Errors {
		if pe.Value != "" {
			ids = append(ids, pe.Value)
		}
	}
	return ids
}

// User is one account object as returned by the live API.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Name          string `json:"name"`
	Verified      bool   `json:"verified"`
	PublicMetrics struct {
		FollowersCount int `json:"followers_count"`
		FollowingCount int `json:"following_count"`
	} `json:"public_metrics"`
}

// Post is one post object with its public engagement metrics.
type Post struct {
	ID            string `json:"id"`
	PublicMetrics struct {
		LikeCount    int `json:"like_count"`
		RetweetCount int `json:"retweet_count"`
		ReplyCount   int `json:"reply_count"`
		QuoteCount   int `json:"quote_count"`
	} `json:"public_metrics"`
}

// Users decodes the envelope's data payload as a user list.
func (e *Envelope) Users() ([]User, error) {
	var users []User
	if len(e.Data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(e.Data, &users); err != nil {
		return nil, fmt.Errorf("failed to decode users payload: %w", err)
	}
	return users, nil
}

// Posts decodes the envelope's data payload as a post list.
func (e *Envelope) Posts() ([]Post, error) {
	var posts []Post
	if len(e.Data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(e.Data, &posts); err != nil {
		return nil, fmt.Errorf("failed to decode posts payload: %w", err)
	}
	return posts, nil
}

// Client issues authenticated GETs against the live API with one adaptive
// rate limiter per resource. The limiters are retuned from the quota headers
// every response carries rather than from a hardcoded schedule.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	log         *logrus.Logger
	maxAttempts int

	limiterMutex sync.Mutex
	limiters     map[Resource]*rate.Limiter
}

// NewClient creates an API client for the given base URL and bearer token.
func NewClient(baseURL, token string, timeout time.Duration, maxAttempts int, log *logrus.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Client{
		baseURL:     baseURL,
		token:       token,
		httpClient:  &http.Client{Timeout: timeout},
		log:         log,
		maxAttempts: maxAttempts,
		limiters:    make(map[Resource]*rate.Limiter),
	}
}

// limiterFor returns the quota limiter for a resource, creating it on first
// use with a conservative default rate.
func (c *Client) limiterFor(resource Resource) *rate.Limiter {
	c.limiterMutex.Lock()
	defer c.limiterMutex.Unlock()
	l, ok := c.limiters[resource]
	if !ok {
		l = rate.NewLimiter(initialRate, 1)
		c.limiters[resource] = l
	}
	return l
}

// retuneLimiter adjusts a resource's limiter to the quota the response
// advertises: remaining requests spread over the time until the window
// resets.
func (c *Client) retuneLimiter(resource Resource, header http.Header) {
	limit := getHeaderAsInt(header, "x-rate-limit-limit")
	remaining := getHeaderAsInt(header, "x-rate-limit-remaining")
	reset := getHeaderAsInt(header, "x-rate-limit-reset")
	if limit == 0 && reset == 0 {
		return
	}

	until := time.Until(time.Unix(int64(reset), 0))
	if until <= 0 || remaining <= 0 {
		return
	}

	newRate := rate.Limit(float64(remaining) / until.Seconds())
	c.limiterFor(resource).SetLimit(newRate)

	c.log.WithFields(logrus.Fields{
		"resource":  resource,
		"limit":     limit,
		"remaining": remaining,
		"reset_in":  until.Round(time.Second).String(),
		"new_rate":  float64(newRate),
	}).Debug("Retuned rate limiter from response headers")
}

// GetPage performs one GET against path with query parameters, applying the
// resource's quota limiter, retrying throttled and transient failures, and
// classifying everything else. A failed page never takes the rest of the
// pagination down with it; the typed error tells the caller what happened.
func (c *Client) GetPage(ctx context.Context, resource Resource, path string, query url.Values) (*Envelope, error) {
	var lastErr *Error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiterFor(resource).Wait(ctx); err != nil {
			return nil, &Error{Kind: KindTransient, Message: fmt.Sprintf("canceled waiting for quota: %v", err)}
		}

		envelope, apiErr := c.doRequest(ctx, resource, path, query)
		if apiErr == nil {
			return envelope, nil
		}
		lastErr = apiErr

		switch apiErr.Kind {
		case KindUnauthorized, KindPermanent:
			return nil, apiErr
		case KindThrottled:
			c.log.WithFields(logrus.Fields{
				"resource":    resource,
				"retry_after": apiErr.RetryAfter.String(),
				"attempt":     attempt,
			}).Warn("Throttled by API, delaying mandatory retry")
			if err := sleepCtx(ctx, apiErr.RetryAfter); err != nil {
				return nil, apiErr
			}
		case KindTransient:
			backoff := backoffBase << (attempt - 1)
			if backoff > backoffCap {
				backoff = backoffCap
			}
			c.log.WithFields(logrus.Fields{
				"resource": resource,
				"backoff":  backoff.String(),
				"attempt":  attempt,
				"error":    apiErr.Message,
			}).Warn("Transient API failure, backing off")
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, apiErr
			}
		}
	}

	// Retries exhausted. Escalate to a permanent failure for this page only.
	return nil, &Error{
		Kind:       KindPermanent,
		StatusCode: lastErr.StatusCode,
		Message:    fmt.Sprintf("retries exhausted after %d attempts: %s", c.maxAttempts, lastErr.Message),
	}
}

// doRequest issues a single request and classifies the outcome.
func (c *Client) doRequest(ctx context.Context, resource Resource, path string, query url.Values) (*Envelope, *Error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	c.retuneLimiter(resource, resp.Header)

	switch {
	case resp.StatusCode == http.StatusOK:
		var envelope Envelope
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, &Error{Kind: KindTransient, StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to decode response: %v", err)}
		}
		return &envelope, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{
			Kind:       KindThrottled,
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfterFrom(resp.Header),
			Message:    "rate limit window exhausted",
		}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		body, _ := io.ReadAll(resp.Body)
		return nil, &Error{Kind: KindUnauthorized, StatusCode: resp.StatusCode, Message: string(body)}

	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(resp.Body)
		return nil, &Error{Kind: KindTransient, StatusCode: resp.StatusCode, Message: string(body)}

	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, &Error{Kind: KindPermanent, StatusCode: resp.StatusCode, Message: string(body)}
	}
}

// retryAfterFrom derives the mandatory delay from either a Retry-After
// seconds header or the x-rate-limit-reset unix timestamp.
func retryAfterFrom(header http.Header) time.Duration {
	if secs := getHeaderAsInt(header, "Retry-After"); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if reset := getHeaderAsInt(header, "x-rate-limit-reset"); reset > 0 {
		if until := time.Until(time.Unix(int64(reset), 0)); until > 0 {
			return until
		}
	}
	return time.Second
}

// Me resolves the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	envelope, err := c.GetPage(ctx, ResourceMe, "/2/users/me", nil)
	if err != nil {
		return nil, err
	}
	var user User
	if err := json.Unmarshal(envelope.Data, &user); err != nil {
		return nil, &Error{Kind: KindPermanent, Message: fmt.Sprintf("failed to decode user: %v", err)}
	}
	return &user, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func getHeaderAsInt(header http.Header, name string) int {
	value := header.Get(name)
	if value == "" {
		return 0
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}

	return intValue
}
