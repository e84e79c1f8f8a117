package warehouse

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/softsense/warehouse-go/warehousetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Segment 1: Initialization ---

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(Config{Endpoint: "https://adb-1.azuredatabricks.net", Token: "t"})
	require.NoError(t, err)

	cfg := c.Config()
	assert.Equal(t, DefaultBasePath, cfg.BasePath)
	assert.Equal(t, DefaultHTTPTimeout, cfg.HTTPTimeout)
	require.NotNil(t, cfg.MaxRetries)
	assert.Equal(t, DefaultMaxRetries, *cfg.MaxRetries)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultBackoffUnit, cfg.BackoffUnit)
	assert.Equal(t, DefaultWaitTimeout, cfg.WaitTimeout)
	assert.Equal(t, "https://adb-1.azuredatabricks.net/api/2.0/sql/", c.baseURL.String())
	assert.Equal(t, DefaultHTTPTimeout, c.httpClient.Timeout)
}

func TestNewClient_InvalidConfig(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "https://host"})
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "Credential", cfgErr.Field)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestWithHTTPClient(t *testing.T) {
	hc := &http.Client{Timeout: time.Second}
	c, err := NewClient(Config{Endpoint: "https://host", Token: "t"}, WithHTTPClient(hc), WithHTTPClient(nil))
	require.NoError(t, err)
	assert.Same(t, hc, c.httpClient)
}

// --- Segment 2: Retry Policy ---

func TestDo_RetriesTransientWithExponentialBackoff(t *testing.T) {
	mock := warehousetest.NewMockServer()
	defer mock.Close()
	mock.FailNext(
		warehousetest.Fault{Status: http.StatusServiceUnavailable},
		warehousetest.Fault{Status: http.StatusBadGateway},
		warehousetest.Fault{Status: http.StatusServiceUnavailable},
	)

	c, sleeps := newTestClient(t, mock.URL())
	st, err := c.Submit(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, st.State())

	assert.Equal(t, 4, mock.Requests(warehousetest.RouteSubmit))
	assert.Equal(t, seconds(2, 4, 8), sleeps.Delays())

	ids := mock.RequestIDs()
	require.Len(t, ids, 4)
	assert.NotEmpty(t, ids[0])
	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id, "all attempts of one call share a request id")
	}
}

func TestDo_ExhaustedRetries(t *testing.T) {
	mock := warehousetest.NewMockServer()
	defer mock.Close()
	for range 10 {
		mock.FailNext(warehousetest.Fault{Status: http.StatusInternalServerError, Message: "backend down"})
	}

	c, sleeps := newTestClient(t, mock.URL(), func(cfg *Config) {
		cfg.MaxRetries = Retries(2)
		cfg.BackoffUnit = 10 * time.Millisecond
	})
	_, err := c.Submit(context.Background(), "SELECT 1")
	require.Error(t, err)

	var exhausted *ExhaustedRetriesError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, ErrExhaustedRetries)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Contains(t, err.Error(), "backend down")

	assert.Equal(t, 3, mock.Requests(warehousetest.RouteSubmit))
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}, sleeps.Delays())
}

func TestDo_RetriesDisabled(t *testing.T) {
	mock := warehousetest.NewMockServer()
	defer mock.Close()
	mock.FailNext(warehousetest.Fault{Status: http.StatusServiceUnavailable})

	c, sleeps := newTestClient(t, mock.URL(), func(cfg *Config) { cfg.MaxRetries = Retries(0) })
	assert.Equal(t, 0, *c.Config().MaxRetries)

	_, err := c.Submit(context.Background(), "SELECT 1")
	var exhausted *ExhaustedRetriesError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Attempts)
	assert.ErrorIs(t, err, ErrTransient)

	assert.Equal(t, 1, mock.Requests(warehousetest.RouteSubmit))
	assert.Empty(t, sleeps.Delays())
}

func TestDo_AuthenticationErrorNotRetried(t *testing.T) {
	mock := warehousetest.NewMockServer()
	defer mock.Close()
	mock.RequireToken("another-token")

	c, sleeps := newTestClient(t, mock.URL())
	_, err := c.Submit(context.Background(), "SELECT 1")
	require.Error(t, err)

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.Equal(t, "UNAUTHENTICATED", authErr.ErrorCode)
	assert.ErrorIs(t, err, ErrAuthentication)

	assert.Equal(t, 1, mock.TotalRequests(), "a 401 must be sent exactly once")
	assert.Empty(t, sleeps.Delays())
}

func TestDo_RateLimitNotRetried(t *testing.T) {
	mock := warehousetest.NewMockServer()
	defer mock.Close()
	mock.FailNext(warehousetest.Fault{Status: http.StatusTooManyRequests, RetryAfter: "7", Message: "slow down"})

	c, sleeps := newTestClient(t, mock.URL())
	_, err := c.Submit(context.Background(), "SELECT 1")
	require.Error(t, err)

	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 7*time.Second, rateErr.RetryAfter)
	assert.Equal(t, "slow down", rateErr.Message)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrTransient)

	assert.Equal(t, 1, mock.TotalRequests())
	assert.Empty(t, sleeps.Delays())
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	mock := warehousetest.NewMockServer()
	defer mock.Close()
	mock.FailNext(warehousetest.Fault{Status: http.StatusBadRequest, ErrorCode: "INVALID_PARAMETER_VALUE", Message: "bad warehouse"})

	c, _ := newTestClient(t, mock.URL())
	_, err := c.Submit(context.Background(), "SELECT 1")

	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusBadRequest, respErr.StatusCode)
	assert.Equal(t, "INVALID_PARAMETER_VALUE", respErr.ErrorCode)
	assert.Equal(t, 1, mock.TotalRequests())
}

func TestDo_ConnectionDropRetried(t *testing.T) {
	mock := warehousetest.NewMockServer()
	defer mock.Close()
	mock.FailNext(warehousetest.Fault{Drop: true})

	c, _ := newTestClient(t, mock.URL())
	st, err := c.Submit(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, st.State())
	assert.Equal(t, 2, mock.Requests(warehousetest.RouteSubmit))
}

type failingRoundTripper struct {
	calls atomic.Int32
	err   error
}

func (f *failingRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls.Add(1)
	return nil, f.err
}

func TestDo_NetworkErrors(t *testing.T) {
	t.Run("retryable network error", func(t *testing.T) {
		rt := &failingRoundTripper{err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}
		c, sleeps := newTestClient(t, "http://127.0.0.1:1", func(cfg *Config) { cfg.MaxRetries = Retries(1) })
		c.httpClient = &http.Client{Transport: rt}

		_, err := c.Do(context.Background(), "GET", "statements/x", nil)
		assert.ErrorIs(t, err, ErrExhaustedRetries)
		assert.Equal(t, int32(2), rt.calls.Load())
		assert.Equal(t, seconds(2), sleeps.Delays())
	})

	t.Run("non network error", func(t *testing.T) {
		rt := &failingRoundTripper{err: errors.New("tls: bad certificate")}
		c, sleeps := newTestClient(t, "http://127.0.0.1:1")
		c.httpClient = &http.Client{Transport: rt}

		_, err := c.Do(context.Background(), "GET", "statements/x", nil)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrTransient)
		assert.ErrorIs(t, err, ErrResponse)
		var respErr *ResponseError
		require.ErrorAs(t, err, &respErr)
		assert.Zero(t, respErr.StatusCode)
		assert.ErrorIs(t, err, rt.err)
		assert.Contains(t, err.Error(), "tls: bad certificate")
		assert.Equal(t, int32(1), rt.calls.Load())
		assert.Empty(t, sleeps.Delays())
	})
}

func TestIsRetryableNetError(t *testing.T) {
	assert.True(t, isRetryableNetError(io.EOF))
	assert.True(t, isRetryableNetError(fmt.Errorf("read: %w", io.ErrUnexpectedEOF)))
	assert.True(t, isRetryableNetError(&net.OpError{Op: "read", Err: errors.New("reset")}))
	assert.True(t, isRetryableNetError(&net.DNSError{Err: "no such host", Name: "x"}))
	assert.False(t, isRetryableNetError(context.Canceled))
	assert.False(t, isRetryableNetError(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, isRetryableNetError(errors.New("plain")))
}

func TestBackoff(t *testing.T) {
	c, _ := newTestClient(t, "https://host", func(cfg *Config) { cfg.BackoffUnit = time.Millisecond })
	assert.Equal(t, 2*time.Millisecond, c.backoff(1))
	assert.Equal(t, 4*time.Millisecond, c.backoff(2))
	assert.Equal(t, 8*time.Millisecond, c.backoff(3))
	assert.Equal(t, MaxBackoff, c.backoff(40))
	assert.Equal(t, MaxBackoff, c.backoff(70))

	slow, _ := newTestClient(t, "https://host", func(cfg *Config) { cfg.BackoffUnit = time.Hour })
	assert.Equal(t, MaxBackoff, slow.backoff(1))
	assert.Equal(t, MaxBackoff, slow.backoff(22), "large units must not overflow into a negative delay")
}

// --- Segment 3: Credentials ---

func TestDo_CredentialPerAttempt(t *testing.T) {
	mock := warehousetest.NewMockServer()
	defer mock.Close()
	mock.FailNext(warehousetest.Fault{Status: http.StatusServiceUnavailable})

	var calls atomic.Int32
	cred := TokenFunc(func(context.Context) (string, error) {
		return fmt.Sprintf("token-%d", calls.Add(1)), nil
	})
	c, _ := newTestClient(t, mock.URL(), func(cfg *Config) {
		cfg.Token = ""
		cfg.Credential = cred
	})

	st, err := c.Submit(context.Background(), "SELECT 1")
	require.NoError(t, err)
	_, err = c.Poll(context.Background(), st.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{"Bearer token-1", "Bearer token-2", "Bearer token-3"}, mock.AuthHeaders())
}

func TestDo_CredentialFailure(t *testing.T) {
	mock := warehousetest.NewMockServer()
	defer mock.Close()

	idpDown := errors.New("identity provider unavailable")
	c, sleeps := newTestClient(t, mock.URL(), func(cfg *Config) {
		cfg.Token = ""
		cfg.Credential = TokenFunc(func(context.Context) (string, error) { return "", idpDown })
	})

	_, err := c.Submit(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, err, idpDown)
	assert.Zero(t, mock.TotalRequests())
	assert.Empty(t, sleeps.Delays())
}

func TestStaticToken(t *testing.T) {
	req := httptest.NewRequest("GET", "https://host/api/2.0/sql/statements/x", nil)
	require.NoError(t, StaticToken("dapi-1").Authorize(context.Background(), req))
	assert.Equal(t, "Bearer dapi-1", req.Header.Get("Authorization"))
	assert.Error(t, StaticToken("").Validate())

	assert.Error(t, TokenFunc(nil).Validate())
	err := TokenFunc(func(context.Context) (string, error) { return "", nil }).Authorize(context.Background(), req)
	assert.Error(t, err)
}

// --- Segment 4: Cancellation ---

func TestDo_CancelledBeforeSend(t *testing.T) {
	mock := warehousetest.NewMockServer()
	defer mock.Close()

	c, _ := newTestClient(t, mock.URL())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Submit(ctx, "SELECT 1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, mock.TotalRequests())
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	mock := warehousetest.NewMockServer()
	defer mock.Close()
	mock.FailNext(
		warehousetest.Fault{Status: http.StatusServiceUnavailable},
		warehousetest.Fault{Status: http.StatusServiceUnavailable},
	)

	c, sleeps := newTestClient(t, mock.URL())
	ctx, cancel := context.WithCancel(context.Background())
	sleeps.hook = func(time.Duration) { cancel() }

	_, err := c.Submit(ctx, "SELECT 1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, mock.TotalRequests(), "no attempt after cancellation")
	assert.Equal(t, seconds(2), sleeps.Delays())
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
	assert.NoError(t, sleepContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

// --- Segment 5: Response Handling ---

func TestDo_RequestHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, func(cfg *Config) { cfg.UserAgent = "reports/1.0" })
	require.NoError(t, c.doJSON(context.Background(), "POST", "statements", map[string]string{"a": "b"}, nil))

	assert.Equal(t, "Bearer test-token", got.Get("Authorization"))
	assert.Equal(t, "reports/1.0", got.Get("User-Agent"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.NotEmpty(t, got.Get(RequestIDHeader))
}

func TestDoJSON_Corners(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"empty body", "", "empty response body"},
		{"malformed body", `{"statement_id":`, "failed to decode response"},
		{"unknown state", `{"statement_id":"x","status":{"state":"EXPLODED"}}`, "failed to decode response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c, _ := newTestClient(t, srv.URL)
			var st Statement
			err := c.doJSON(context.Background(), "GET", "statements/x", nil, &st)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResponseBody_Gzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		gz.Write([]byte(`{"statement_id":"s1","status":{"state":"RUNNING"}}`))
		gz.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	c.httpClient = &http.Client{Transport: &http.Transport{DisableCompression: true}}

	st, err := c.Poll(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State())
}

// --- Segment 6: Concurrency Safety ---

func TestClient_ConcurrentQueries(t *testing.T) {
	mock := warehousetest.NewMockServer()
	defer mock.Close()
	const count = 20
	for i := range count {
		mock.AddStatement(&warehousetest.StatementTemplate{
			SQL:          fmt.Sprintf("SELECT %d", i),
			Columns:      []warehousetest.Column{{Name: "n", TypeText: "INT", TypeName: "INT"}},
			Data:         [][]any{{i}, {i}, {i}},
			ChunkSize:    1,
			RunningPolls: 1,
		})
	}

	c, _ := newTestClient(t, mock.URL())
	var wg sync.WaitGroup
	for i := range count {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			res, err := c.ExecuteQuery(context.Background(), fmt.Sprintf("SELECT %d", id))
			if !assert.NoError(t, err) {
				return
			}
			assert.Len(t, res.Rows, 3)
			assert.Equal(t, json.Number(fmt.Sprint(id)), res.Rows[2][0])
		}(i)
	}
	wg.Wait()
	assert.Equal(t, count, mock.Requests(warehousetest.RouteSubmit))
}
