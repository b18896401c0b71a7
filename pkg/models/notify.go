package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ErrorKind classifies error-shaped response data.
type ErrorKind string

const (
	ErrorKindApplication  ErrorKind = "APPLICATION"
	ErrorKindTimeout      ErrorKind = "TIMEOUT"
	ErrorKindConnectivity ErrorKind = "CONNECTIVITY"
)

// ResponseData is the payload delivered for one correlation id. It is error-shaped when Error is set.
type ResponseData struct {
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
}

func (r ResponseData) IsError() bool {
	return r.Error != ""
}

func (r ResponseData) IsTimeout() bool {
	return r.ErrorKind == ErrorKindTimeout
}

// FailureType maps an error-shaped response onto the failure type attached to execution responses.
func (r ResponseData) FailureType() FailureType {
	switch r.ErrorKind {
	case ErrorKindTimeout:
		return FailureTypeTimeout
	case ErrorKindConnectivity:
		return FailureTypeConnectivity
	default:
		return FailureTypeApplication
	}
}

// Decode reads the success payload into v.
func (r ResponseData) Decode(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("response has no payload")
	}

	return json.Unmarshal(r.Payload, v)
}

// NewPayloadResponse builds a success response from v.
func NewPayloadResponse(v any) (ResponseData, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return ResponseData{}, fmt.Errorf("failed to marshal response payload: %w", err)
	}

	return ResponseData{Payload: raw}, nil
}

// NewErrorResponse builds an error-shaped response.
func NewErrorResponse(kind ErrorKind, message string) ResponseData {
	return ResponseData{Error: message, ErrorKind: kind}
}

// NewTimeoutResponse is synthesized by the notify engine when a correlation id misses its deadline.
func NewTimeoutResponse(correlationID string, after time.Duration) ResponseData {
	return NewErrorResponse(ErrorKindTimeout,
		fmt.Sprintf("no response received for %s within %s", correlationID, after))
}

// NotifyResponse is the durable response recorded for a correlation id. One per id.
type NotifyResponse struct {
	CorrelationID string       `json:"correlation_id" validate:"required"`
	Data          ResponseData `json:"data"`
	CreatedAt     time.Time    `json:"created_at"`
}
