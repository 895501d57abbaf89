package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keirinlab/keirinfeed/internal/infrastructure/breaker"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/ratelimit"
)

func testConfig() Config {
	cfg := DefaultConfig("test-host")
	cfg.BackoffBase = 0.01
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.RetryAfterDefault = 10 * time.Millisecond
	return cfg
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		assert.Equal(t, "https://example.jp", r.Header.Get("Referer"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Headers = map[string]string{"Referer": "https://example.jp"}
	client := New(cfg, Deps{})

	body, err := client.Fetch(context.Background(), srv.URL, ratelimit.ClassWinticket)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))
}

func TestFetch_NotFoundIsSentinelWithoutRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(testConfig(), Deps{})

	_, err := client.Fetch(context.Background(), srv.URL, ratelimit.ClassWinticket)
	assert.ErrorIs(t, err, ErrNotYetPublished)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestFetch_OtherClientErrorIsPermanent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := New(testConfig(), Deps{})

	_, err := client.Fetch(context.Background(), srv.URL, ratelimit.ClassWinticket)
	assert.ErrorIs(t, err, ErrPermanentFailure)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestFetch_RetriesServerErrorsUntilSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	client := New(testConfig(), Deps{})

	body, err := client.Fetch(context.Background(), srv.URL, ratelimit.ClassWinticket)
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestFetch_ExhaustsAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(testConfig(), Deps{})

	_, err := client.Fetch(context.Background(), srv.URL, ratelimit.ClassWinticket)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestFetch_HonorsRetryAfter(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("after throttle"))
	}))
	defer srv.Close()

	client := New(testConfig(), Deps{})

	start := time.Now()
	body, err := client.Fetch(context.Background(), srv.URL, ratelimit.ClassWinticket)
	require.NoError(t, err)
	assert.Equal(t, "after throttle", string(body))
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "must sleep the Retry-After delay")
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestFetch_OpenCircuitShedsRequest(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	settings := breaker.DefaultSettings()
	settings.ConsecutiveFailures = 1
	settings.Timeout = time.Minute
	client := New(testConfig(), Deps{Breakers: breaker.NewManager(settings)})

	_, err := client.Fetch(context.Background(), srv.URL, ratelimit.ClassWinticket)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "second attempt must be shed")
}

func TestFetch_CancelledBetweenAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.BackoffBase = 5.0 // force a long inter-attempt sleep

	client := New(cfg, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.Fetch(ctx, srv.URL, ratelimit.ClassWinticket)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchJSON_DecodesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"month":{"cups":[{"id":7}]}}`))
	}))
	defer srv.Close()

	client := New(testConfig(), Deps{})

	var payload struct {
		Month struct {
			Cups []struct {
				ID int64 `json:"id"`
			} `json:"cups"`
		} `json:"month"`
	}
	require.NoError(t, client.FetchJSON(context.Background(), srv.URL, ratelimit.ClassWinticket, &payload))
	require.Len(t, payload.Month.Cups, 1)
	assert.Equal(t, int64(7), payload.Month.Cups[0].ID)
}

func TestFetchJSON_ParseErrorIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	client := New(testConfig(), Deps{})

	var v map[string]interface{}
	err := client.FetchJSON(context.Background(), srv.URL, ratelimit.ClassWinticket, &v)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, parseErr.Sample, "<html>")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestFetch_EndpointBackoffResetsOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	backoff := ratelimit.NewBackoff(time.Hour, time.Hour)
	endpoint := "GET " + srv.URL
	backoff.Failure(endpoint)
	backoff.Success(endpoint) // healthy again; Fetch must not stall

	client := New(testConfig(), Deps{Backoff: backoff})

	done := make(chan error, 1)
	go func() {
		_, err := client.Fetch(context.Background(), srv.URL, ratelimit.ClassWinticket)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch stalled on a cleared backoff")
	}
}
