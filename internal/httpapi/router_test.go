package httpapi_test

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/httpapi"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/lead"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/phone"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/reconcile"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/test"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

const (
	organizationID = "org-1"
	webhookPath    = "/api/v1/webhooks/provider"
	webhookSecret  = "s3cret"
)

type noopLauncher struct{}

func (noopLauncher) Launch(string) error { return nil }

func (noopLauncher) Wake(string) {}

type fakeEvents struct {
	result *reconcile.Result
	err    error
	bodies []string
}

func (f *fakeEvents) HandleEvent(_ context.Context, source string, raw []byte) (*reconcile.Result, error) {
	if source != reconcile.SourceWebhook {
		return nil, errors.New("unexpected source " + source)
	}

	f.bodies = append(f.bodies, string(raw))

	return f.result, f.err
}

type fixture struct {
	router *gin.Engine
	events *fakeEvents
	ready  error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbConn := test.NewSQLiteDB(t)
	leads := lead.NewRepository(dbConn)
	f := &fixture{events: &fakeEvents{}}

	handler := &httpapi.Handler{
		Campaigns:       campaign.NewService(campaign.NewRepository(dbConn), noopLauncher{}),
		Leads:           leads,
		Importer:        lead.NewImporter(leads, phone.NewChain([]string{"91"}, 10)),
		Events:          f.events,
		Ready:           func(context.Context) error { return f.ready },
		WebhookPath:     webhookPath,
		WebhookSecret:   webhookSecret,
		WebhookMaxBytes: 1024,
		UploadMaxBytes:  1 << 20,
	}
	f.router = httpapi.NewRouter(handler)

	return f
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	for key, value := range header {
		req.Header.Set(key, value)
	}

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)

	return recorder
}

func (f *fixture) org(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()

	return f.do(t, method, path, []byte(body), map[string]string{httpapi.OrganizationHeader: organizationID})
}

func (f *fixture) createCampaign(t *testing.T) campaign.Campaign {
	t.Helper()

	recorder := f.org(t, http.MethodPost, "/api/v1/campaigns", `{"name":"renewals","agent_id":"agent-1","call_delay_seconds":0}`)
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())

	var created campaign.Campaign
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &created))

	return created
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body), recorder.Body.String())

	return body.Error.Code
}

func statusOf(t *testing.T, recorder *httptest.ResponseRecorder) campaign.Status {
	t.Helper()

	var body campaign.Campaign
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body), recorder.Body.String())

	return body.Status
}

func TestCampaignControlRoutes(t *testing.T) {
	f := newFixture(t)
	created := f.createCampaign(t)
	base := "/api/v1/campaigns/" + created.ID

	require.Equal(t, campaign.StatusDraft, created.Status)

	recorder := f.org(t, http.MethodPost, base+"/start", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, campaign.StatusRunning, statusOf(t, recorder))

	recorder = f.org(t, http.MethodPost, base+"/start", "")
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, httpapi.CodeInvalidTransition, decodeError(t, recorder))

	recorder = f.org(t, http.MethodPost, base+"/pause", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, campaign.StatusPaused, statusOf(t, recorder))

	recorder = f.org(t, http.MethodPost, base+"/start", "")
	require.Equal(t, http.StatusConflict, recorder.Code)
	require.Equal(t, httpapi.CodeAlreadyProcessing, decodeError(t, recorder))

	recorder = f.org(t, http.MethodPost, base+"/resume", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, campaign.StatusRunning, statusOf(t, recorder))

	recorder = f.org(t, http.MethodDelete, base, "")
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, httpapi.CodeInvalidTransition, decodeError(t, recorder))

	recorder = f.org(t, http.MethodPost, base+"/stop", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, campaign.StatusStopped, statusOf(t, recorder))

	recorder = f.org(t, http.MethodPost, base+"/resume", "")
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, httpapi.CodeInvalidTransition, decodeError(t, recorder))

	recorder = f.org(t, http.MethodDelete, base, "")
	require.Equal(t, http.StatusNoContent, recorder.Code)

	recorder = f.org(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.Equal(t, httpapi.CodeNotFound, decodeError(t, recorder))
}

func TestCampaignRoutesAreScopedByOrganization(t *testing.T) {
	f := newFixture(t)
	created := f.createCampaign(t)

	recorder := f.do(t, http.MethodGet, "/api/v1/campaigns", nil, nil)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, httpapi.CodeInvalidRequest, decodeError(t, recorder))

	recorder = f.do(t, http.MethodPost, "/api/v1/campaigns/"+created.ID+"/start", nil,
		map[string]string{httpapi.OrganizationHeader: "org-2"})
	require.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = f.org(t, http.MethodGet, "/api/v1/campaigns", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var listed struct {
		Campaigns []campaign.Campaign `json:"campaigns"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &listed))
	require.Len(t, listed.Campaigns, 1)
	require.Equal(t, created.ID, listed.Campaigns[0].ID)
}

func TestCreateCampaignValidation(t *testing.T) {
	f := newFixture(t)

	recorder := f.org(t, http.MethodPost, "/api/v1/campaigns", `{"name":`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, httpapi.CodeInvalidRequest, decodeError(t, recorder))

	recorder = f.org(t, http.MethodPost, "/api/v1/campaigns", `{"name":"no agent"}`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, httpapi.CodeInvalidRequest, decodeError(t, recorder))
}

func multipartUpload(t *testing.T, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", fileName)
	require.NoError(t, err)

	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return body, writer.FormDataContentType()
}

func TestUploadAndListLeads(t *testing.T) {
	f := newFixture(t)
	created := f.createCampaign(t)
	base := "/api/v1/campaigns/" + created.ID

	body, contentType := multipartUpload(t, "leads.csv", "Phone,name\n9876543210,A\n+91 98765 43210,dup\n9123456780,B\n")
	recorder := f.do(t, http.MethodPost, base+"/leads/upload", body.Bytes(), map[string]string{
		httpapi.OrganizationHeader: organizationID,
		"Content-Type":             contentType,
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var report lead.ImportReport
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &report))
	require.Equal(t, int64(2), report.Inserted)
	require.Equal(t, 1, report.DuplicatesInFile)

	recorder = f.org(t, http.MethodGet, base+"/leads?status=pending&limit=1", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var page struct {
		Leads []lead.Lead `json:"leads"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &page))
	require.Len(t, page.Leads, 1)
	require.Equal(t, "9876543210", page.Leads[0].Phone)

	recorder = f.org(t, http.MethodGet, base+"/leads?status=dialing", "")
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = f.org(t, http.MethodGet, base+"/leads?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestUploadRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	created := f.createCampaign(t)
	path := "/api/v1/campaigns/" + created.ID + "/leads/upload"

	recorder := f.org(t, http.MethodPost, path, `{}`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, httpapi.CodeInvalidRequest, decodeError(t, recorder))

	body, contentType := multipartUpload(t, "leads.txt", "phone\n9876543210\n")
	recorder = f.do(t, http.MethodPost, path, body.Bytes(), map[string]string{
		httpapi.OrganizationHeader: organizationID,
		"Content-Type":             contentType,
	})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, httpapi.CodeInvalidRequest, decodeError(t, recorder))
}

func TestWebhookRequiresSecret(t *testing.T) {
	f := newFixture(t)
	f.events.result = &reconcile.Result{Status: reconcile.StatusProcessed, CallID: "c-1"}
	payload := []byte(`{"call_id":"c-1","status":"completed"}`)

	recorder := f.do(t, http.MethodPost, webhookPath, payload, nil)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.Equal(t, httpapi.CodeUnauthorized, decodeError(t, recorder))
	require.Empty(t, f.events.bodies)

	recorder = f.do(t, http.MethodPost, webhookPath, payload, map[string]string{httpapi.WebhookSecretHeader: webhookSecret})
	require.Equal(t, http.StatusOK, recorder.Code)
	require.JSONEq(t, `{"status":"processed","call_id":"c-1"}`, recorder.Body.String())

	recorder = f.do(t, http.MethodPost, webhookPath+"?token="+webhookSecret, payload, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Len(t, f.events.bodies, 2)
	require.Equal(t, string(payload), f.events.bodies[0])
}

func TestWebhookResponses(t *testing.T) {
	secret := map[string]string{httpapi.WebhookSecretHeader: webhookSecret}

	cases := []struct {
		name   string
		result *reconcile.Result
		err    error
		status int
		body   string
	}{
		{
			name:   "ignored",
			result: &reconcile.Result{Status: reconcile.StatusIgnored, Reason: reconcile.ReasonMissingCallID},
			status: http.StatusOK,
			body:   `{"status":"ignored","reason":"missing call identifier"}`,
		},
		{
			name:   "duplicate",
			result: &reconcile.Result{Status: reconcile.StatusDuplicate, CallID: "c-1"},
			status: http.StatusOK,
			body:   `{"status":"duplicate","call_id":"c-1"}`,
		},
		{
			name:   "malformed",
			err:    reconcile.ErrMalformedEvent,
			status: http.StatusBadRequest,
			body:   `{"error":{"code":"MalformedEvent","message":"malformed event"}}`,
		},
		{
			name:   "internal",
			err:    errors.New("connection refused"),
			status: http.StatusInternalServerError,
			body:   `{"error":{"code":"Internal","message":"internal error"}}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.events.result = tc.result
			f.events.err = tc.err

			recorder := f.do(t, http.MethodPost, webhookPath, []byte(`{"call_id":"c-1"}`), secret)
			require.Equal(t, tc.status, recorder.Code)
			require.JSONEq(t, tc.body, recorder.Body.String())
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	f := newFixture(t)

	payload := []byte(`{"call_id":"` + strings.Repeat("x", 2048) + `"}`)
	recorder := f.do(t, http.MethodPost, webhookPath, payload, map[string]string{httpapi.WebhookSecretHeader: webhookSecret})
	require.Equal(t, http.StatusRequestEntityTooLarge, recorder.Code)
	require.Empty(t, f.events.bodies)
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t)

	recorder := f.do(t, http.MethodGet, "/healthz", nil, map[string]string{httpapi.RequestIDHeader: "req-1"})
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "req-1", recorder.Header().Get(httpapi.RequestIDHeader))

	f.ready = errors.New("database unreachable")

	recorder = f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	require.NotEmpty(t, recorder.Header().Get(httpapi.RequestIDHeader))
}
