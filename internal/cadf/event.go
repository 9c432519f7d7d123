// Package cadf parses keystone CADF notifications into display-ready events.
//
// Parsing is lenient below the top level: every nested field that is absent
// or of the wrong type resolves to Unknown on its own. Only a body that does
// not decode, or one missing event_type, timestamp or payload.outcome, is
// rejected with sentinel.ErrMalformed.
package cadf

import (
	"encoding/json"
	"fmt"
	"strings"

	"cadflog/pkg/platform/sentinel"
)

// Unknown is the sentinel value for any nested field the payload omits.
const Unknown = "unknown"

// Kind is one of the recognized keystone event types.
type Kind string

const (
	KindAuthenticate   Kind = "identity.authenticate"
	KindUserCreated    Kind = "identity.user.created"
	KindUserDeleted    Kind = "identity.user.deleted"
	KindProjectCreated Kind = "identity.project.created"
	KindProjectDeleted Kind = "identity.project.deleted"
	KindUnrecognized   Kind = "unrecognized"
)

// osloEnvelopeMessage is the key holding the serialized notification when
// oslo.messaging wraps it in a v2 envelope.
const osloEnvelopeMessage = "oslo.message"

// KindOf maps a raw event_type to its Kind.
func KindOf(eventType string) Kind {
	switch k := Kind(eventType); k {
	case KindAuthenticate, KindUserCreated, KindUserDeleted, KindProjectCreated, KindProjectDeleted:
		return k
	}
	return KindUnrecognized
}

// Event is one parsed notification. It is immutable after Parse returns.
type Event struct {
	Kind      Kind
	EventType string
	Timestamp string
	Outcome   string

	InitiatorID        string
	InitiatorAddress   string
	InitiatorAgent     string
	InitiatorProjectID string

	TargetID      string
	TargetTypeURI string
	// TargetType is the last path segment of TargetTypeURI, e.g. "user".
	TargetType string

	// Raw is the decoded notification body, kept for diagnostics.
	Raw json.RawMessage
}

// Parse decodes a notification body. Bodies wrapped in an oslo.messaging v2
// envelope are unwrapped first.
func Parse(body []byte) (*Event, error) {
	doc, raw, err := decode(body)
	if err != nil {
		return nil, err
	}

	eventType, ok := stringAt(doc, "event_type")
	if !ok {
		return nil, fmt.Errorf("event missing event_type: %w", sentinel.ErrMalformed)
	}
	timestamp, ok := stringAt(doc, "timestamp")
	if !ok {
		return nil, fmt.Errorf("event %s missing timestamp: %w", eventType, sentinel.ErrMalformed)
	}
	outcome, ok := stringAt(doc, "payload", "outcome")
	if !ok {
		return nil, fmt.Errorf("event %s missing payload.outcome: %w", eventType, sentinel.ErrMalformed)
	}

	ev := &Event{
		Kind:      KindOf(eventType),
		EventType: eventType,
		Timestamp: timestamp,
		Outcome:   outcome,

		InitiatorID:        stringOr(doc, "payload", "initiator", "id"),
		InitiatorAddress:   stringOr(doc, "payload", "initiator", "host", "address"),
		InitiatorAgent:     stringOr(doc, "payload", "initiator", "host", "agent"),
		InitiatorProjectID: stringOr(doc, "payload", "initiator", "project_id"),

		TargetID:      stringOr(doc, "payload", "target", "id"),
		TargetTypeURI: stringOr(doc, "payload", "target", "typeURI"),

		Raw: raw,
	}
	ev.TargetType = lastSegment(ev.TargetTypeURI)
	return ev, nil
}

func decode(body []byte) (map[string]any, json.RawMessage, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode event: %w: %v", sentinel.ErrMalformed, err)
	}

	inner, ok := doc[osloEnvelopeMessage].(string)
	if !ok {
		return doc, json.RawMessage(body), nil
	}
	var unwrapped map[string]any
	if err := json.Unmarshal([]byte(inner), &unwrapped); err != nil {
		return nil, nil, fmt.Errorf("decode oslo envelope: %w: %v", sentinel.ErrMalformed, err)
	}
	return unwrapped, json.RawMessage(inner), nil
}

// stringAt walks nested objects and reports whether a string sits at path.
func stringAt(doc map[string]any, path ...string) (string, bool) {
	var cur any = doc
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = obj[key]; !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}

func stringOr(doc map[string]any, path ...string) string {
	if s, ok := stringAt(doc, path...); ok && s != "" {
		return s
	}
	return Unknown
}

func lastSegment(uri string) string {
	if uri == Unknown {
		return Unknown
	}
	seg := uri[strings.LastIndex(uri, "/")+1:]
	if seg == "" {
		return Unknown
	}
	return seg
}

// Pretty renders the raw payload as indented JSON with sorted keys.
func (e *Event) Pretty() string {
	var v any
	if err := json.Unmarshal(e.Raw, &v); err != nil {
		return string(e.Raw)
	}
	out, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return string(e.Raw)
	}
	return string(out)
}
