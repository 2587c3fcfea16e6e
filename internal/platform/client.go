// Package platform is the HTTP client for the social platform API: candidate search for
// ingestion and the single external write, Publish.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Class groups failures by how callers should react.
type Class string

const (
	ClassTransient     Class = "transient"
	ClassAuthorization Class = "authorization"
	ClassPermanent     Class = "permanent"
)

// Error is a classified platform failure. Ambiguous means the request reached the platform and
// its outcome is unknown, so the write may already have happened.
type Error struct {
	Class     Class
	Status    int
	Ambiguous bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("platform %s error (status %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("platform %s error: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Candidate is a public conversation item returned by search.
type Candidate struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	AuthorID   string    `json:"author_id"`
	ThreadID   string    `json:"conversation_id"`
	CreatedAt  time.Time `json:"created_at"`
	ReplyCount int       `json:"reply_count"`
	LikeCount  int       `json:"like_count"`
}

// PublishRequest is one external write.
type PublishRequest struct {
	Text           string
	InReplyTo      string
	IdempotencyKey string
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type searchResponse struct {
	Data []struct {
		ID             string    `json:"id"`
		Text           string    `json:"text"`
		AuthorID       string    `json:"author_id"`
		ConversationID string    `json:"conversation_id"`
		CreatedAt      time.Time `json:"created_at"`
		PublicMetrics  struct {
			ReplyCount int `json:"reply_count"`
			LikeCount  int `json:"like_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}

// Search page bounds accepted by the recent search endpoint.
const (
	minSearchResults = 10
	maxSearchResults = 100
)

// Search returns recent candidates matching query. limit is clamped to the page bounds.
func (c *Client) Search(ctx context.Context, token, query string, limit int) ([]Candidate, error) {
	limit = min(max(limit, minSearchResults), maxSearchResults)
	q := url.Values{}
	q.Set("query", query)
	q.Set("max_results", strconv.Itoa(limit))
	q.Set("tweet.fields", "author_id,conversation_id,created_at,public_metrics")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tweets/search/recent?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var out searchResponse
	if err := c.do(req, &out, false); err != nil {
		return nil, err
	}
	cands := make([]Candidate, 0, len(out.Data))
	for _, d := range out.Data {
		cands = append(cands, Candidate{
			ID:         d.ID,
			Text:       d.Text,
			AuthorID:   d.AuthorID,
			ThreadID:   d.ConversationID,
			CreatedAt:  d.CreatedAt,
			ReplyCount: d.PublicMetrics.ReplyCount,
			LikeCount:  d.PublicMetrics.LikeCount,
		})
	}
	return cands, nil
}

type publishBody struct {
	Text  string `json:"text"`
	Reply *struct {
		InReplyTo string `json:"in_reply_to_tweet_id"`
	} `json:"reply,omitempty"`
}

type publishResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Publish performs the external write and returns the platform id of the created post.
func (c *Client) Publish(ctx context.Context, token string, p PublishRequest) (string, error) {
	body := publishBody{Text: p.Text}
	if p.InReplyTo != "" {
		body.Reply = &struct {
			InReplyTo string `json:"in_reply_to_tweet_id"`
		}{InReplyTo: p.InReplyTo}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tweets", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if p.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", p.IdempotencyKey)
	}

	var out publishResponse
	if err := c.do(req, &out, true); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", &Error{Class: ClassPermanent, Ambiguous: true, Err: errors.New("publish response missing id")}
	}
	return out.Data.ID, nil
}

func (c *Client) do(req *http.Request, out any, write bool) error {
	var wrote atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) { wrote.Store(true) },
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Class: ClassTransient, Ambiguous: write && wrote.Load(), Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Class: ClassTransient, Status: resp.StatusCode, Ambiguous: write && resp.StatusCode < 300, Err: err}
	}

	if resp.StatusCode >= 300 {
		return classify(resp.StatusCode, data, write)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Class: ClassPermanent, Status: resp.StatusCode, Ambiguous: write, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func classify(status int, body []byte, write bool) *Error {
	msg := errors.New(strings.TrimSpace(truncate(string(body), 256)))
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Class: ClassTransient, Status: status, Err: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Class: ClassAuthorization, Status: status, Err: msg}
	case status >= 500:
		// 503 is an explicit refusal; other 5xx may follow a partial write.
		return &Error{Class: ClassTransient, Status: status, Ambiguous: write && status != http.StatusServiceUnavailable, Err: msg}
	default:
		return &Error{Class: ClassPermanent, Status: status, Err: msg}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
