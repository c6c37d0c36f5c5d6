package domain

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// TimelineEvent is the envelope delivered to consumers.
type TimelineEvent struct {
	Run        RunMetadata
	ExchangeID string
	TurnIndex  int
	Payload    Payload
	CreatedAt  time.Time
}

// Type returns the payload discriminant.
func (e TimelineEvent) Type() EventType {
	if e.Payload == nil {
		return EventAuditRecord
	}
	return e.Payload.Kind()
}

// WithRun returns a copy of the event stamped with run.
func (e TimelineEvent) WithRun(run RunMetadata) TimelineEvent {
	e.Run = run
	return e
}

type wireEvent struct {
	Run        RunMetadata     `json:"run"`
	ExchangeID string          `json:"exchange_id"`
	TurnIndex  int             `json:"turn_index"`
	EventType  EventType       `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MarshalJSON writes the envelope with an explicit event_type discriminant.
func (e TimelineEvent) MarshalJSON() ([]byte, error) {
	payload := []byte("{}")
	if e.Payload != nil {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Type(), err)
		}
	}
	return json.Marshal(wireEvent{
		Run:        e.Run,
		ExchangeID: e.ExchangeID,
		TurnIndex:  e.TurnIndex,
		EventType:  e.Type(),
		Payload:    payload,
		CreatedAt:  e.CreatedAt.UTC(),
	})
}

// UnmarshalJSON decodes the payload variant selected by event_type.
func (e *TimelineEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var payload Payload
	switch w.EventType {
	case EventUserPrompt:
		payload = &UserPrompt{}
	case EventLLMResponse:
		payload = &LLMResponse{}
	case EventJudgeVerdict:
		payload = &JudgeVerdict{}
	case EventMetricSnapshot:
		payload = &MetricSnapshot{}
	default:
		raw := &RawRecord{Type: w.EventType}
		if len(w.Payload) > 0 {
			if err := json.Unmarshal(w.Payload, &raw.Fields); err != nil {
				return fmt.Errorf("decode %s payload: %w", w.EventType, err)
			}
		}
		payload = raw
	}
	if _, ok := payload.(*RawRecord); !ok && len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.EventType, err)
		}
	}

	*e = TimelineEvent{
		Run:        w.Run,
		ExchangeID: w.ExchangeID,
		TurnIndex:  w.TurnIndex,
		Payload:    payload,
		CreatedAt:  w.CreatedAt.UTC(),
	}
	return nil
}

// SortEvents orders events by created_at, breaking ties by turn index.
// The sort is stable so same-instant events keep their log order.
func SortEvents(events []TimelineEvent) {
	slices.SortStableFunc(events, func(a, b TimelineEvent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.TurnIndex, b.TurnIndex)
	})
}
