package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_SendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tweets", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "q-1", r.Header.Get("Idempotency-Key"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hi", body["text"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"ext-1"}}`))
	}))
	defer srv.Close()

	id, err := New(srv.URL, time.Second).Publish(context.Background(), "tok", PublishRequest{Text: "hi", InReplyTo: "99", IdempotencyKey: "q-1"})
	require.NoError(t, err)
	assert.Equal(t, "ext-1", id)
}

func TestPublish_ClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		class     Class
		ambiguous bool
	}{
		{http.StatusTooManyRequests, ClassTransient, false},
		{http.StatusServiceUnavailable, ClassTransient, false},
		{http.StatusBadGateway, ClassTransient, true},
		{http.StatusUnauthorized, ClassAuthorization, false},
		{http.StatusForbidden, ClassAuthorization, false},
		{http.StatusBadRequest, ClassPermanent, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := New(srv.URL, time.Second).Publish(context.Background(), "tok", PublishRequest{Text: "x"})
		srv.Close()

		var perr *Error
		require.True(t, errors.As(err, &perr), "status %d", tc.status)
		assert.Equal(t, tc.class, perr.Class, "status %d", tc.status)
		assert.Equal(t, tc.ambiguous, perr.Ambiguous, "status %d", tc.status)
	}
}

func TestPublish_TimeoutAfterWriteIsAmbiguous(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(srv.URL, 100*time.Millisecond).Publish(context.Background(), "tok", PublishRequest{Text: "x"})
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ClassTransient, perr.Class)
	assert.True(t, perr.Ambiguous)
}

func TestSearch_MapsCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tweets/search/recent", r.URL.Path)
		assert.Equal(t, "golang help", r.URL.Query().Get("query"))
		_, _ = w.Write([]byte(`{"data":[{"id":"1","text":"anyone know a good scheduler?","author_id":"42","conversation_id":"1","public_metrics":{"reply_count":2,"like_count":5}}]}`))
	}))
	defer srv.Close()

	cands, err := New(srv.URL, time.Second).Search(context.Background(), "tok", "golang help", 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "42", cands[0].AuthorID)
	assert.Equal(t, 5, cands[0].LikeCount)
}

func TestPublish_DialFailureIsNotAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url, time.Second).Publish(context.Background(), "tok", PublishRequest{Text: "x"})
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ClassTransient, perr.Class)
	assert.False(t, perr.Ambiguous, "nothing reached the platform")
}

func TestSearch_ClampsPageSize(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.URL.Query().Get("max_results"))
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	for _, limit := range []int{0, 50, 500} {
		_, err := c.Search(context.Background(), "tok", "q", limit)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"10", "50", "100"}, got)
}
