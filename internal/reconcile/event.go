package reconcile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

var callIDFields = []string{"call_id", "execution_id"}

var phoneFields = []string{"phone_number", "user_number", "recipient_phone_number"}

var correlationFields = []string{"user_data", "context_details"}

// Type tags are compared after lowercasing and folding '.' and '-' into '_'.
var recognizedTypes = map[string]struct{}{
	"call_completed":      {},
	"call_updated":        {},
	"call_ended":          {},
	"call_status":         {},
	"call_status_update":  {},
	"execution_completed": {},
	"execution_updated":   {},
}

// event is the provider payload after envelope unwrapping.
type event struct {
	typeTag string
	body    map[string]any
	hash    string
}

func parseEvent(raw []byte) (*event, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var document any

	err := decoder.Decode(&document)
	if err != nil {
		return nil, err
	}

	var trailing any

	err = decoder.Decode(&trailing)
	if !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}

	object, ok := document.(map[string]any)
	if !ok {
		return nil, errNotObject
	}

	ev := &event{body: object}

	tag, tagged := firstString(object, "event", "type")
	if data, ok := object["data"].(map[string]any); ok {
		ev.body = data
	}

	if tagged {
		ev.typeTag = tag
	}

	canonical, err := json.Marshal(ev.body)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(canonical)
	ev.hash = hex.EncodeToString(sum[:])

	return ev, nil
}

func (e *event) recognized() bool {
	if e.typeTag == "" {
		return true
	}

	normalized := strings.NewReplacer(".", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(e.typeTag)))
	_, ok := recognizedTypes[normalized]

	return ok
}

// CallIDOf returns the provider call id carried by raw, or "" when raw is not
// a readable event.
func CallIDOf(raw []byte) string {
	ev, err := parseEvent(raw)
	if err != nil {
		return ""
	}

	return ev.callID()
}

func (e *event) callID() string {
	id, _ := firstString(e.body, callIDFields...)

	return id
}

// correlation returns the explicit lead and campaign ids, looking at the top
// level first and then inside the correlation payloads.
func (e *event) correlation() (string, string) {
	leadID, _ := firstString(e.body, "lead_id")
	campaignID, _ := firstString(e.body, "campaign_id")

	for _, field := range correlationFields {
		nested, ok := e.body[field].(map[string]any)
		if !ok {
			continue
		}

		if leadID == "" {
			leadID, _ = firstString(nested, "lead_id")
		}

		if campaignID == "" {
			campaignID, _ = firstString(nested, "campaign_id")
		}
	}

	return leadID, campaignID
}

func (e *event) phone() string {
	phone, ok := firstString(e.body, phoneFields...)
	if ok {
		return phone
	}

	if telephony, ok := e.body["telephony_data"].(map[string]any); ok {
		phone, _ = firstString(telephony, "to_number")
	}

	return phone
}

func (e *event) text(fields ...string) *string {
	value, ok := firstString(e.body, fields...)
	if !ok {
		return nil
	}

	return &value
}

func (e *event) number(field string) float64 {
	switch value := e.body[field].(type) {
	case json.Number:
		parsed, err := value.Float64()
		if err == nil {
			return parsed
		}
	case float64:
		return value
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err == nil {
			return parsed
		}
	}

	return 0
}

func (e *event) flag(field string) bool {
	switch value := e.body[field].(type) {
	case bool:
		return value
	case json.Number:
		parsed, err := value.Float64()
		return err == nil && parsed != 0
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}

		return strings.EqualFold(strings.TrimSpace(value), "yes")
	}

	return false
}

// firstString returns the first field holding a non-empty scalar, rendered as
// a string.
func firstString(object map[string]any, fields ...string) (string, bool) {
	for _, field := range fields {
		var value string

		switch typed := object[field].(type) {
		case string:
			value = strings.TrimSpace(typed)
		case json.Number:
			value = typed.String()
		case float64:
			value = strconv.FormatFloat(typed, 'f', -1, 64)
		case bool:
			value = strconv.FormatBool(typed)
		}

		if value != "" {
			return value, true
		}
	}

	return "", false
}
