// Package reconcile applies asynchronous provider call events to leads and
// call records.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/lead"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/phone"
	prometheusDialer "git.mci.dev/mse/sre/phoenix/golang/dialer/internal/prometheus"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrMalformedEvent          = errors.New("malformed event")
	ErrReconciliationAmbiguous = errors.New("phone matches more than one lead")

	errNotObject     = errors.New("event is not a JSON object")
	errTrailingData  = errors.New("event has data after the JSON object")
	errInvalidResult = errors.New("invalid result type, it should be pointer to Result")
)

const (
	SourceWebhook    = "webhook"
	SourceKafka      = "kafka"
	SourceDeadLetter = "deadletter"
)

type Status string

const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
	StatusIgnored   Status = "ignored"
)

const (
	ReasonEmptyBody       = "empty body"
	ReasonUnsupportedType = "unsupported event type"
	ReasonMissingCallID   = "missing call identifier"
)

type Result struct {
	Status     Status           `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	CallID     string           `json:"call_id,omitempty"`
	LeadID     string           `json:"lead_id,omitempty"`
	CampaignID string           `json:"campaign_id,omitempty"`
	Record     *call.CallRecord `json:"-"`
}

// Reconciler owns the circuit breaker for the whole transaction; the
// repositories are only used through WithTx.
type Reconciler struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
	Phones         phone.Chain
	Calls          *call.CallRepository
	Leads          *lead.LeadRepository
	Campaigns      *campaign.CampaignRepository
}

func NewReconciler(dbConn *gorm.DB, phones phone.Chain) *Reconciler {
	return &Reconciler{
		DBConn:         dbConn,
		CircuitBreaker: database.NewCircuitBreaker(),
		Phones:         phones,
		Calls:          &call.CallRepository{DBConn: dbConn},
		Leads:          &lead.LeadRepository{DBConn: dbConn},
		Campaigns:      &campaign.CampaignRepository{DBConn: dbConn},
	}
}

// Process reconciles one raw provider event. Errors other than
// ErrMalformedEvent leave no trace in the store and are safe to retry.
func (r *Reconciler) Process(ctx context.Context, source string, raw []byte) (*Result, error) {
	timer := prometheus.NewTimer(prometheusDialer.ReconcileDuration.WithLabelValues(source))
	defer timer.ObserveDuration()

	result, err := r.process(ctx, raw)
	if err != nil {
		label := "error"
		if errors.Is(err, ErrMalformedEvent) {
			label = "malformed"
		}

		prometheusDialer.ReconciledEvents.WithLabelValues(source, label).Inc()

		return nil, err
	}

	prometheusDialer.ReconciledEvents.WithLabelValues(source, string(result.Status)).Inc()

	return result, nil
}

func (r *Reconciler) process(ctx context.Context, raw []byte) (*Result, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return &Result{Status: StatusIgnored, Reason: ReasonEmptyBody}, nil
	}

	ev, err := parseEvent(raw)
	if err != nil {
		logging.Logger.Warn("[Process] rejected malformed event", zap.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	if !ev.recognized() {
		logging.Logger.Debug("[Process] ignored event", zap.String("type", ev.typeTag))
		return &Result{Status: StatusIgnored, Reason: ReasonUnsupportedType}, nil
	}

	callID := ev.callID()
	if callID == "" {
		logging.Logger.Warn("[Process] discarded event without call identifier")
		return &Result{Status: StatusIgnored, Reason: ReasonMissingCallID}, nil
	}

	output, err := r.CircuitBreaker.Execute(func() (any, error) {
		var result *Result

		err := r.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error

			result, err = r.apply(ctx, tx, callID, ev)

			return err
		})

		return result, err
	})
	if err != nil {
		logging.Logger.Error("[Process] failed to reconcile event",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	result, ok := output.(*Result)
	if !ok {
		return nil, errInvalidResult
	}

	return result, nil
}

// apply runs inside the transaction. The call record row lock is taken first
// so events for the same call are applied one at a time.
func (r *Reconciler) apply(ctx context.Context, tx *gorm.DB, callID string, ev *event) (*Result, error) {
	calls := r.Calls.WithTx(tx)
	leads := r.Leads.WithTx(tx)
	campaigns := r.Campaigns.WithTx(tx)

	record, created, err := lockOrCreate(ctx, calls, callID)
	if err != nil {
		return nil, err
	}

	if !created && record.PayloadHash == ev.hash {
		logging.Logger.Info("[Process] duplicate event", zap.String("call_id", callID))

		return &Result{
			Status:     StatusDuplicate,
			CallID:     callID,
			LeadID:     deref(record.LeadID),
			CampaignID: deref(record.CampaignID),
			Record:     record,
		}, nil
	}

	matched, campaignID, err := r.resolve(ctx, leads, campaigns, callID, ev)
	if err != nil {
		return nil, err
	}

	fillRecord(record, ev)

	if record.CampaignID == nil && campaignID != "" {
		record.CampaignID = &campaignID
	}

	if record.LeadID == nil && matched != nil {
		record.LeadID = &matched.ID
	}

	err = calls.Save(ctx, record)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Status:     StatusProcessed,
		CallID:     callID,
		CampaignID: deref(record.CampaignID),
		Record:     record,
	}

	if matched == nil {
		logging.Logger.Info("[Process] event recorded without a lead", zap.String("call_id", callID))
		return result, nil
	}

	result.LeadID = matched.ID

	err = applyToLead(ctx, leads, matched.ID, callID, MapStatus(deref(record.Status)))
	if err != nil {
		return nil, err
	}

	return result, nil
}

func lockOrCreate(ctx context.Context, calls *call.CallRepository, callID string) (*call.CallRecord, bool, error) {
	record, err := calls.LockByCallID(ctx, callID)
	if err == nil {
		return record, false, nil
	}

	if !errors.Is(err, call.ErrNotFound) {
		return nil, false, err
	}

	// A concurrent insert of the same call wins the unique index; the lock
	// below then waits for it and reads its row.
	created, err := calls.InsertIfAbsent(ctx, &call.CallRecord{CallID: callID})
	if err != nil {
		return nil, false, err
	}

	record, err = calls.LockByCallID(ctx, callID)
	if err != nil {
		return nil, false, err
	}

	return record, created, nil
}

// resolve walks the fallback chain: explicit ids, the call id recorded at
// dial time, then phone variants in priority order.
func (r *Reconciler) resolve(
	ctx context.Context,
	leads *lead.LeadRepository,
	campaigns *campaign.CampaignRepository,
	callID string,
	ev *event,
) (*lead.Lead, string, error) {
	leadID, campaignID := ev.correlation()

	if uuid.Validate(campaignID) != nil {
		campaignID = ""
	}

	if leadID != "" && uuid.Validate(leadID) == nil {
		matched, err := leads.FindByID(ctx, leadID)
		if err == nil && (campaignID == "" || matched.CampaignID == campaignID) {
			return matched, matched.CampaignID, nil
		}

		if err != nil && !errors.Is(err, lead.ErrNotFound) {
			return nil, "", err
		}
	}

	matched, err := leads.FindByExternalCallID(ctx, callID)
	if err == nil {
		return matched, matched.CampaignID, nil
	}

	if !errors.Is(err, lead.ErrNotFound) {
		return nil, "", err
	}

	if campaignID != "" {
		exists, err := campaigns.Exists(ctx, campaignID)
		if err != nil {
			return nil, "", err
		}

		if !exists {
			campaignID = ""
		}
	}

	raw := ev.phone()
	if raw == "" {
		return nil, campaignID, nil
	}

	for _, variant := range r.Phones.Variants(raw) {
		candidates, err := leads.FindByPhone(ctx, variant, campaignID)
		if err != nil {
			return nil, "", err
		}

		if len(candidates) == 0 {
			continue
		}

		if len(candidates) > 1 {
			logging.Logger.Warn("[resolve] ambiguous phone match, using tie-break",
				zap.String("error", ErrReconciliationAmbiguous.Error()),
				zap.String("call_id", callID),
				zap.String("phone", variant),
				zap.Int("candidates", len(candidates)),
			)
		}

		matched := pickCandidate(candidates)

		return &matched, matched.CampaignID, nil
	}

	return nil, campaignID, nil
}

// pickCandidate prefers leads still being worked, then the most recently
// contacted, then the newest.
func pickCandidate(candidates []lead.Lead) lead.Lead {
	sorted := slices.Clone(candidates)

	slices.SortStableFunc(sorted, func(a, b lead.Lead) int {
		if activeA, activeB := isActive(a.Status), isActive(b.Status); activeA != activeB {
			if activeA {
				return -1
			}

			return 1
		}

		if c := compareTimes(a.LastContactedAt, b.LastContactedAt); c != 0 {
			return c
		}

		return b.CreatedAt.Compare(a.CreatedAt)
	})

	return sorted[0]
}

func isActive(status lead.Status) bool {
	return status == lead.StatusQueued || status == lead.StatusCalling || status == lead.StatusPending
}

// compareTimes orders later times first and missing times last.
func compareTimes(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return b.Compare(*a)
	}
}

// fillRecord overwrites the mutable outcome fields with the event's values.
func fillRecord(record *call.CallRecord, ev *event) {
	now := time.Now().UTC()

	if number := ev.phone(); number != "" {
		record.UserNumber = &number
	}

	record.Duration = ev.number("duration")
	record.Cost = ev.number("cost")
	record.Status = ev.text("status")
	record.RecordingURL = ev.text("recording_url")
	record.Transcript = ev.text("transcript")
	record.InterestLevel = ev.text("interest_level")
	record.AppointmentBooked = ev.flag("appointment_booked")
	record.AppointmentDate = ev.text("appointment_date")
	record.AppointmentMode = ev.text("appointment_mode")
	record.CustomerSentiment = ev.text("customer_sentiment")
	record.FinalCallSummary = ev.text("final_summary", "final_call_summary")
	record.Summary = ev.text("summary")
	record.TransferCall = ev.flag("transfer_call")
	record.PayloadHash = ev.hash
	record.ExecutedAt = &now
}

// applyToLead moves the lead forward only: a terminal status is never
// replaced by an in-flight one. A failed call exhausts the lead's retries so
// the dialing loop does not pick it up again.
func applyToLead(ctx context.Context, leads *lead.LeadRepository, leadID, callID string, next lead.Status) error {
	current, err := leads.LockByID(ctx, leadID)
	if err != nil {
		return err
	}

	updates := map[string]any{
		"external_call_id":  callID,
		"last_contacted_at": time.Now(),
	}

	if next.Rank() >= current.Status.Rank() {
		updates["status"] = next

		if next == lead.StatusFailed {
			updates["retry_count"] = gorm.Expr("max_retries")
		}
	} else {
		logging.Logger.Debug("[applyToLead] kept later lead status",
			zap.String("lead_id", leadID),
			zap.String("current", string(current.Status)),
			zap.String("event", string(next)),
		)
	}

	return leads.ApplyEvent(ctx, leadID, updates)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}

	return *value
}
