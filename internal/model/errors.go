package model

import (
	"encoding/json"
	"time"
)

// ErrorInfo holds structured failure information for an Item.
type ErrorInfo struct {
	FailedStep string `json:"failed_step"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	FailedAt   string `json:"failed_at"`
}

// NewErrorInfo records err as the failure of step.
func NewErrorInfo(step string, err error, retryable bool) ErrorInfo {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ErrorInfo{
		FailedStep: step,
		Message:    msg,
		Retryable:  retryable,
		FailedAt:   time.Now().UTC().Format(time.RFC3339),
	}
}

// ToJSON serializes ErrorInfo to a JSON string.
func (e ErrorInfo) ToJSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}
