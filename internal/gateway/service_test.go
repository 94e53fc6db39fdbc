package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"
)

func newTestGateway(serverURL string) *GatewayService {
	return &GatewayService{
		CircuitBreaker: gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name: "test-gateway",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 2
			},
			Timeout: time.Minute,
			IsSuccessful: func(err error) bool {
				return !errors.Is(err, ErrProviderUnavailable)
			},
		}),
		Client:             &http.Client{Timeout: 5 * time.Second},
		CallURL:            serverURL + "/call",
		PingURL:            serverURL + "/agent/all",
		WebhookURL:         "https://dialer.example.com/api/v1/webhooks/provider",
		APIKey:             "secret-key",
		DefaultCountryCode: "91",
		LocalMinDigits:     10,
		RetryAttempts:      3,
		RetryDelay:         time.Millisecond,
		RetryMaxDelay:      5 * time.Millisecond,
	}
}

func TestInitiateSendsCallRequest(t *testing.T) {
	t.Parallel()

	var received initiateCallRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/call", r.URL.Path)
		require.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &received))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"execution_id":"xyz","status":"queued"}`))
	}))
	defer server.Close()

	gateway := newTestGateway(server.URL)

	callID, err := gateway.Initiate(context.Background(), CallRequest{
		Phone:      "98765 43210",
		AgentID:    "agent-1",
		CampaignID: "campaign-1",
		LeadID:     "lead-1",
	})
	require.NoError(t, err)
	require.Equal(t, "xyz", callID)
	require.Equal(t, "agent-1", received.AgentID)
	require.Equal(t, "+919876543210", received.RecipientPhoneNumber)
	require.Equal(t, "campaign-1", received.UserData.CampaignID)
	require.Equal(t, "lead-1", received.UserData.LeadID)
	require.Equal(t, "https://dialer.example.com/api/v1/webhooks/provider", received.WebhookURL)
}

func TestInitiateFallsBackToCallID(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"call_id":"abc"}`))
	}))
	defer server.Close()

	callID, err := newTestGateway(server.URL).Initiate(context.Background(), CallRequest{Phone: "9876543210"})
	require.NoError(t, err)
	require.Equal(t, "abc", callID)
}

func TestInitiateRejectedIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid number"}`))
	}))
	defer server.Close()

	_, err := newTestGateway(server.URL).Initiate(context.Background(), CallRequest{Phone: "123"})
	require.ErrorIs(t, err, ErrProviderRejected)
	require.NotErrorIs(t, err, ErrProviderUnavailable)
	require.Equal(t, int32(1), hits.Load())
}

func TestInitiateRetriesWhenCallWasNotPlaced(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		_, _ = w.Write([]byte(`{"execution_id":"third-time"}`))
	}))
	defer server.Close()

	callID, err := newTestGateway(server.URL).Initiate(context.Background(), CallRequest{Phone: "9876543210"})
	require.NoError(t, err)
	require.Equal(t, "third-time", callID)
	require.Equal(t, int32(3), hits.Load())
}

func TestInitiateServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestGateway(server.URL).Initiate(context.Background(), CallRequest{Phone: "9876543210"})
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.Equal(t, int32(1), hits.Load())
}

func TestInitiateMissingCallIDIsUnavailable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	}))
	defer server.Close()

	_, err := newTestGateway(server.URL).Initiate(context.Background(), CallRequest{Phone: "9876543210"})
	require.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestInitiateOpenCircuitSkipsProvider(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	gateway := newTestGateway(server.URL)

	for range 2 {
		_, err := gateway.Initiate(context.Background(), CallRequest{Phone: "9876543210"})
		require.ErrorIs(t, err, ErrProviderUnavailable)
	}

	_, err := gateway.Initiate(context.Background(), CallRequest{Phone: "9876543210"})
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, int32(2), hits.Load())
}

func TestPing(t *testing.T) {
	t.Parallel()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agent/all", r.URL.Path)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer healthy.Close()

	require.NoError(t, newTestGateway(healthy.URL).Ping(context.Background()))

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	require.ErrorIs(t, newTestGateway(broken.URL).Ping(context.Background()), ErrProviderUnavailable)
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusOK, nil},
		{http.StatusCreated, nil},
		{http.StatusBadRequest, ErrProviderRejected},
		{http.StatusUnauthorized, ErrProviderRejected},
		{http.StatusRequestTimeout, ErrProviderUnavailable},
		{http.StatusTooManyRequests, ErrProviderUnavailable},
		{http.StatusServiceUnavailable, ErrProviderUnavailable},
	}

	for _, tc := range cases {
		err := classifyStatus(tc.status, nil)
		if tc.want == nil {
			require.NoError(t, err, tc.status)

			continue
		}

		require.ErrorIs(t, err, tc.want, tc.status)
	}
}
