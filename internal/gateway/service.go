package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/phone"
	prometheusDialer "git.mci.dev/mse/sre/phoenix/golang/dialer/internal/prometheus"
	"github.com/avast/retry-go"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	// ErrProviderRejected means the provider refused the request itself; sending
	// it again will not help.
	ErrProviderRejected = errors.New("provider rejected the call request")
	// ErrProviderUnavailable covers transient provider failures and timeouts.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrCircuitOpen means no request was sent because the breaker is open.
	ErrCircuitOpen = errors.New("gateway circuit breaker is open")
)

const maxResponseBytes = 1 << 20

type CallRequest struct {
	Phone      string
	AgentID    string
	CampaignID string
	LeadID     string
}

type userData struct {
	CampaignID string `json:"campaign_id"`
	LeadID     string `json:"lead_id"`
}

type initiateCallRequest struct {
	AgentID              string   `json:"agent_id"`
	RecipientPhoneNumber string   `json:"recipient_phone_number"`
	WebhookURL           string   `json:"webhook_url,omitempty"`
	UserData             userData `json:"user_data"`
}

type initiateCallResponse struct {
	ExecutionID string `json:"execution_id"`
	CallID      string `json:"call_id"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

type GatewayService struct {
	CircuitBreaker     *gobreaker.CircuitBreaker[string]
	Client             *http.Client
	CallURL            string
	PingURL            string
	WebhookURL         string
	APIKey             string
	DefaultCountryCode string
	LocalMinDigits     int
	RetryAttempts      uint
	RetryDelay         time.Duration
	RetryMaxDelay      time.Duration
}

func NewService() (*GatewayService, error) {
	callURL, err := url.JoinPath(config.Conf.ProviderBaseURL, config.Conf.ProviderCallPath)
	if err != nil {
		return nil, err
	}

	pingURL, err := url.JoinPath(config.Conf.ProviderBaseURL, config.Conf.ProviderPingPath)
	if err != nil {
		return nil, err
	}

	webhookURL, err := buildWebhookURL()
	if err != nil {
		return nil, err
	}

	cbSettings := gobreaker.Settings{
		Name:     circuitbreak.GatewayService,
		Interval: time.Duration(config.Conf.ProviderIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.ProviderConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Warn("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.GatewayService)
			}
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, ErrProviderUnavailable)
		},
	}

	return &GatewayService{
		CircuitBreaker:     gobreaker.NewCircuitBreaker[string](cbSettings),
		Client:             &http.Client{Timeout: time.Duration(config.Conf.ProviderTimeout) * time.Second},
		CallURL:            callURL,
		PingURL:            pingURL,
		WebhookURL:         webhookURL,
		APIKey:             config.Conf.ProviderAPIKey,
		DefaultCountryCode: config.Conf.ProviderDefaultCountryCode,
		LocalMinDigits:     config.Conf.PhoneLocalMinDigits,
		RetryAttempts:      max(config.Conf.ProviderRetryMaxAttempts, 1),
		RetryDelay:         time.Duration(config.Conf.ProviderRetryBackoffMin) * time.Second,
		RetryMaxDelay:      time.Duration(config.Conf.ProviderRetryBackoffMax) * time.Second,
	}, nil
}

func buildWebhookURL() (string, error) {
	webhookURL, err := url.JoinPath(config.Conf.PublicBaseURL, config.Conf.ProviderWebhookPath)
	if err != nil {
		return "", err
	}

	if config.Conf.WebhookSecret == "" {
		return webhookURL, nil
	}

	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return "", err
	}

	query := parsed.Query()
	query.Set("token", config.Conf.WebhookSecret)
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// Initiate asks the provider to place a call and returns the provider call id.
// The campaign and lead ids travel as user_data and come back on the result
// events.
func (g *GatewayService) Initiate(ctx context.Context, req CallRequest) (string, error) {
	body, err := json.Marshal(initiateCallRequest{
		AgentID:              req.AgentID,
		RecipientPhoneNumber: phone.ToE164(req.Phone, g.DefaultCountryCode, g.LocalMinDigits),
		WebhookURL:           g.WebhookURL,
		UserData: userData{
			CampaignID: req.CampaignID,
			LeadID:     req.LeadID,
		},
	})
	if err != nil {
		return "", err
	}

	callID, err := g.CircuitBreaker.Execute(func() (string, error) {
		return g.doInitiateWithRetry(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}

	if err != nil {
		logging.Logger.Warn("[Initiate] call request failed",
			zap.String("campaign_id", req.CampaignID),
			zap.String("lead_id", req.LeadID),
			zap.String("error", err.Error()),
		)

		return "", err
	}

	logging.Logger.Info("[Initiate] call placed",
		zap.String("campaign_id", req.CampaignID),
		zap.String("lead_id", req.LeadID),
		zap.String("call_id", callID),
	)

	return callID, nil
}

func (g *GatewayService) doInitiateWithRetry(ctx context.Context, body []byte) (string, error) {
	var callID string

	err := retry.Do(
		func() error {
			var err error

			callID, err = g.doInitiate(ctx, body)

			return err
		},
		retry.Context(ctx),
		retry.RetryIf(isNotPlaced),
		retry.LastErrorOnly(true),
		retry.Attempts(g.RetryAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(g.RetryDelay),
		retry.MaxDelay(g.RetryMaxDelay),
	)
	if err != nil {
		return "", err
	}

	return callID, nil
}

func (g *GatewayService) doInitiate(ctx context.Context, body []byte) (string, error) {
	start := time.Now()

	respBody, statusCode, err := g.doRequest(ctx, http.MethodPost, g.CallURL, body)

	prometheusDialer.GatewayRequestDuration.
		WithLabelValues(statusClass(statusCode)).
		Observe(time.Since(start).Seconds())

	if err != nil {
		return "", &requestError{cause: err, notSent: isDialError(err)}
	}

	err = classifyStatus(statusCode, respBody)
	if err != nil {
		return "", err
	}

	var response initiateCallResponse

	err = json.Unmarshal(respBody, &response)
	if err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrProviderUnavailable, err)
	}

	callID := response.ExecutionID
	if callID == "" {
		callID = response.CallID
	}

	if callID == "" {
		return "", fmt.Errorf("%w: response carries no call id", ErrProviderUnavailable)
	}

	return callID, nil
}

// Ping checks that the provider answers authenticated requests.
func (g *GatewayService) Ping(ctx context.Context) error {
	_, statusCode, err := g.doRequest(ctx, http.MethodGet, g.PingURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	if statusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, statusCode)
	}

	return nil
}

func (g *GatewayService) doRequest(ctx context.Context, method, apiURL string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, reader)
	if err != nil {
		return nil, 0, err
	}

	req.Header.Set("Authorization", "Bearer "+g.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}

	defer func() {
		cerr := resp.Body.Close()
		if cerr != nil {
			logging.Logger.Error("Failed to close response body", zap.String("error", cerr.Error()))
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}

	return respBody, resp.StatusCode, nil
}

type statusError struct {
	kind       error
	statusCode int
	body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.kind, e.statusCode, e.body)
}

func (e *statusError) Unwrap() error {
	return e.kind
}

type requestError struct {
	cause   error
	notSent bool
}

func (e *requestError) Error() string {
	return fmt.Sprintf("%s: %s", ErrProviderUnavailable, e.cause)
}

func (e *requestError) Unwrap() []error {
	return []error{ErrProviderUnavailable, e.cause}
}

func classifyStatus(statusCode int, body []byte) error {
	switch {
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices:
		return nil
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests:
		return &statusError{kind: ErrProviderUnavailable, statusCode: statusCode, body: truncate(body)}
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return &statusError{kind: ErrProviderRejected, statusCode: statusCode, body: truncate(body)}
	default:
		return &statusError{kind: ErrProviderUnavailable, statusCode: statusCode, body: truncate(body)}
	}
}

// isNotPlaced reports whether a failed attempt certainly did not place a call
// and can be repeated without dialing the lead twice.
func isNotPlaced(err error) bool {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr.notSent
	}

	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests ||
			statusErr.statusCode == http.StatusServiceUnavailable ||
			statusErr.statusCode == http.StatusBadGateway
	}

	return false
}

func isDialError(err error) bool {
	var opErr *net.OpError

	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func statusClass(statusCode int) string {
	if statusCode == 0 {
		return "error"
	}

	return strconv.Itoa(statusCode/100) + "xx"
}

func truncate(body []byte) string {
	const limit = 256

	if len(body) > limit {
		return string(body[:limit])
	}

	return string(body)
}
