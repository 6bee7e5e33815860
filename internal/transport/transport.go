// Package transport hands a rendered message to a provider on behalf of one
// sender account and classifies the provider's failures.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/models"

	"github.com/go-playground/validator/v10"
)

// TrackingHeader carries the engagement tracking token on every sequence
// message.
const TrackingHeader = "X-Mailer-Token"

type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

type Message struct {
	Subject     string
	HTMLBody    string
	TextBody    string
	ReplyTo     string
	Headers     map[string]string
	Attachments []Attachment
}

// Receipt is what the provider reported for an accepted message.
type Receipt struct {
	MessageID string
}

type Transport interface {
	Provider() models.Provider
	Send(ctx context.Context, account *models.SenderAccount, to string, msg *Message) (*Receipt, error)
}

// Registry routes a send to the transport for the account's provider.
type Registry struct {
	mu         sync.RWMutex
	transports map[models.Provider]Transport
}

func NewRegistry(transports ...Transport) *Registry {
	r := &Registry{transports: make(map[models.Provider]Transport)}
	for _, t := range transports {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Provider()] = t
}

func (r *Registry) Get(p models.Provider) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[p]
	return t, ok
}

func (r *Registry) Send(ctx context.Context, account *models.SenderAccount, to string, msg *Message) (*Receipt, error) {
	t, ok := r.Get(account.Provider)
	if !ok {
		return nil, apperrors.NewUnsupportedProviderError(string(account.Provider))
	}
	return t.Send(ctx, account, to, msg)
}

// ==========================
// Credentials
// ==========================

var validate = validator.New()

type SMTPCredentials struct {
	Host      string `json:"host" validate:"required,hostname|ip"`
	Port      int    `json:"port" validate:"required,min=1,max=65535"`
	Username  string `json:"username"`
	Password  string `json:"password" validate:"required_with=Username"`
	FromEmail string `json:"fromEmail" validate:"required,email"`
	FromName  string `json:"fromName"`
	SSL       bool   `json:"ssl"`
}

type SESCredentials struct {
	Region           string `json:"region" validate:"required"`
	FromEmail        string `json:"fromEmail" validate:"required,email"`
	FromName         string `json:"fromName"`
	ConfigurationSet string `json:"configurationSet"`
}

// decodeCredentials unmarshals and validates an account's credential blob.
func decodeCredentials(account *models.SenderAccount, out interface{}) error {
	provider := string(account.Provider)
	if len(account.Credentials) == 0 {
		return apperrors.NewProviderMisconfiguredError(provider, "credentials are empty")
	}
	if err := json.Unmarshal(account.Credentials, out); err != nil {
		return apperrors.NewProviderMisconfiguredError(provider, fmt.Sprintf("decode credentials: %v", err))
	}
	if err := validate.Struct(out); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
		} else {
			fields = append(fields, err.Error())
		}
		return apperrors.NewProviderMisconfiguredError(provider, strings.Join(fields, "; "))
	}
	return nil
}
