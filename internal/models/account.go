package models

import (
	"encoding/json"
	"time"
)

type Provider string

const (
	ProviderSMTP Provider = "smtp"
	ProviderSES  Provider = "ses"
)

// SenderAccount is one outbound mailbox or provider identity. Accounts are
// soft-disabled, never deleted while send logs reference them.
type SenderAccount struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Provider    Provider        `json:"provider"`
	Credentials json.RawMessage `json:"-"`
	DailyCap    int             `json:"dailyCap"`
	CampaignCap int             `json:"campaignCap"` // <= 0 disables the per-campaign cap
	Priority    int             `json:"priority"`    // lower is preferred
	Enabled     bool            `json:"enabled"`

	FailureCount        int        `json:"failureCount"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	CircuitBreakerUntil *time.Time `json:"circuitBreakerUntil,omitempty"`
}

// CircuitState is the ledger's view of an account's health.
// IsOpen holds iff OpenUntil is set and in the future.
type CircuitState struct {
	Failures    int        `json:"failures"`
	LastFailure *time.Time `json:"lastFailure,omitempty"`
	IsOpen      bool       `json:"isOpen"`
	OpenUntil   *time.Time `json:"openUntil,omitempty"`
}

type SendStatus string

const (
	SendStatusSuccess SendStatus = "success"
	SendStatusFailed  SendStatus = "failed"
)

// SendLog is the append-only record of every delivery attempt.
type SendLog struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"accountId,omitempty"`
	CampaignID     string     `json:"campaignId"`
	EnrollmentID   string     `json:"enrollmentId,omitempty"`
	StepID         string     `json:"stepId,omitempty"`
	RecipientEmail string     `json:"recipientEmail"`
	Subject        string     `json:"subject"`
	Status         SendStatus `json:"status"`
	ErrorCode      string     `json:"errorCode,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	Attempts       int        `json:"attempts"`
	TrackingToken  string     `json:"trackingToken,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}
