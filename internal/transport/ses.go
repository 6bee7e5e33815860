package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
)

const sesProvider = string(models.ProviderSES)

// SESAPI is the subset of the SES client used for sending.
type SESAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
	SendRawEmail(ctx context.Context, in *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// SESClientFactory builds a client for a region.
type SESClientFactory func(ctx context.Context, region string) (SESAPI, error)

// SES sends through Amazon SES. Clients are built once per region.
type SES struct {
	factory SESClientFactory
	logger  logger.Logger

	mu      sync.Mutex
	clients map[string]SESAPI
}

func NewSES(factory SESClientFactory, log logger.Logger) *SES {
	return &SES{
		factory: factory,
		logger:  log.WithFields(map[string]interface{}{"component": "transport.ses"}),
		clients: make(map[string]SESAPI),
	}
}

func (s *SES) Provider() models.Provider { return models.ProviderSES }

func (s *SES) client(ctx context.Context, region string) (SESAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[region]; ok {
		return c, nil
	}
	c, err := s.factory(ctx, region)
	if err != nil {
		return nil, apperrors.NewProviderMisconfiguredError(sesProvider, fmt.Sprintf("load aws config: %v", err))
	}
	s.clients[region] = c
	return c, nil
}

// Send uses SendEmail for plain messages and SendRawEmail when the message
// needs custom headers or attachments, which SendEmail cannot carry.
func (s *SES) Send(ctx context.Context, account *models.SenderAccount, to string, msg *Message) (*Receipt, error) {
	var creds SESCredentials
	if err := decodeCredentials(account, &creds); err != nil {
		return nil, err
	}
	c, err := s.client(ctx, creds.Region)
	if err != nil {
		return nil, err
	}

	source := creds.FromEmail
	if creds.FromName != "" {
		source = fmt.Sprintf("%q <%s>", creds.FromName, creds.FromEmail)
	}
	var configSet *string
	if creds.ConfigurationSet != "" {
		configSet = aws.String(creds.ConfigurationSet)
	}

	var messageID string
	if len(msg.Headers) > 0 || len(msg.Attachments) > 0 {
		var buf bytes.Buffer
		if _, err := buildMessage(creds.FromEmail, creds.FromName, to, msg).WriteTo(&buf); err != nil {
			return nil, apperrors.NewTransportFailedError(sesProvider, err)
		}
		out, err := c.SendRawEmail(ctx, &ses.SendRawEmailInput{
			Source:               aws.String(source),
			Destinations:         []string{to},
			RawMessage:           &types.RawMessage{Data: buf.Bytes()},
			ConfigurationSetName: configSet,
		})
		if err != nil {
			return nil, ClassifySESError(err)
		}
		messageID = aws.ToString(out.MessageId)
	} else {
		body := &types.Body{}
		if msg.HTMLBody != "" {
			body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
		}
		if msg.TextBody != "" || msg.HTMLBody == "" {
			body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
		}
		in := &ses.SendEmailInput{
			Source:      aws.String(source),
			Destination: &types.Destination{ToAddresses: []string{to}},
			Message: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
			ConfigurationSetName: configSet,
		}
		if msg.ReplyTo != "" {
			in.ReplyToAddresses = []string{msg.ReplyTo}
		}
		out, err := c.SendEmail(ctx, in)
		if err != nil {
			return nil, ClassifySESError(err)
		}
		messageID = aws.ToString(out.MessageId)
	}

	s.logger.Debug("ses message accepted", map[string]interface{}{
		"accountId": account.ID,
		"messageId": messageID,
	})
	return &Receipt{MessageID: messageID}, nil
}

// ClassifySESError maps an SES API error code onto the delivery error
// taxonomy.
func ClassifySESError(err error) error {
	if err == nil {
		return nil
	}
	if ne := apperrors.FromNetworkError(sesProvider, err); ne != nil {
		return ne
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "MessageRejected":
			if strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "not verified") {
				return apperrors.NewSenderRejectedError(sesProvider, err)
			}
			return apperrors.NewMessageRejectedError(sesProvider, err)
		case "MailFromDomainNotVerifiedException", "AccountSendingPausedException",
			"ConfigurationSetSendingPausedException", "ConfigurationSetDoesNotExistException":
			return apperrors.NewSenderRejectedError(sesProvider, err)
		case "InvalidClientTokenId", "SignatureDoesNotMatch", "UnrecognizedClientException",
			"AccessDenied", "AccessDeniedException":
			return apperrors.NewSenderAuthFailedError(sesProvider, err)
		case "Throttling", "ThrottlingException", "TooManyRequestsException":
			return apperrors.NewThrottledError(sesProvider, err)
		case "ServiceUnavailable", "InternalFailure":
			return apperrors.NewServerError(sesProvider, 503, err)
		}
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) && status.HTTPStatusCode() >= 500 {
		return apperrors.NewServerError(sesProvider, status.HTTPStatusCode(), err)
	}
	return apperrors.NewTransportFailedError(sesProvider, err)
}
