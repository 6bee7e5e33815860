package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/textproto"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/models"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

const smtpProvider = string(models.ProviderSMTP)

// SMTPDialer opens an authenticated session for one account.
type SMTPDialer func(creds SMTPCredentials) (gomail.SendCloser, error)

// DialSMTP is the production dialer.
func DialSMTP(creds SMTPCredentials) (gomail.SendCloser, error) {
	d := gomail.NewDialer(creds.Host, creds.Port, creds.Username, creds.Password)
	d.SSL = creds.SSL
	d.TLSConfig = &tls.Config{ServerName: creds.Host, MinVersion: tls.VersionTLS12}
	return d.Dial()
}

type SMTP struct {
	dial   SMTPDialer
	logger logger.Logger
}

func NewSMTP(dial SMTPDialer, log logger.Logger) *SMTP {
	if dial == nil {
		dial = DialSMTP
	}
	return &SMTP{
		dial:   dial,
		logger: log.WithFields(map[string]interface{}{"component": "transport.smtp"}),
	}
}

func (s *SMTP) Provider() models.Provider { return models.ProviderSMTP }

func (s *SMTP) Send(ctx context.Context, account *models.SenderAccount, to string, msg *Message) (*Receipt, error) {
	var creds SMTPCredentials
	if err := decodeCredentials(account, &creds); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewTransportFailedError(smtpProvider, err)
	}

	m := buildMessage(creds.FromEmail, creds.FromName, to, msg)
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), creds.Host)
	m.SetHeader("Message-ID", messageID)

	sc, err := s.dial(creds)
	if err != nil {
		return nil, ClassifySMTPError(err)
	}
	defer sc.Close()

	// Send on the session directly; gomail.Send flattens the error text and
	// the SMTP reply code is needed for classification.
	if err := sc.Send(creds.FromEmail, []string{to}, m); err != nil {
		return nil, ClassifySMTPError(err)
	}

	s.logger.Debug("smtp message accepted", map[string]interface{}{
		"accountId": account.ID,
		"messageId": messageID,
	})
	return &Receipt{MessageID: messageID}, nil
}

// ClassifySMTPError maps a dial or session error onto the delivery error
// taxonomy using the SMTP reply code when there is one. Auth, mailbox and
// content rejections are permanent; any other 5xx is retried and any 4xx
// reply fails the attempt without retrying.
func ClassifySMTPError(err error) error {
	if err == nil {
		return nil
	}
	if se, ok := apperrors.AsStandard(err); ok {
		return se
	}
	if ne := apperrors.FromNetworkError(smtpProvider, err); ne != nil {
		return ne
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return apperrors.NewConnectionResetError(smtpProvider, err)
	}

	var tp *textproto.Error
	if !errors.As(err, &tp) {
		return apperrors.NewTransportFailedError(smtpProvider, err)
	}

	switch code := tp.Code; {
	case code == 530 || code == 534 || code == 535:
		return apperrors.NewSenderAuthFailedError(smtpProvider, err)
	case code == 550 || code == 551 || code == 553:
		return apperrors.NewRecipientRejectedError(smtpProvider, code, err)
	case code == 552 || code == 554:
		return apperrors.NewMessageRejectedError(smtpProvider, err)
	case code >= 500 && code < 600:
		return apperrors.NewServerError(smtpProvider, code, err)
	case code >= 400 && code < 500:
		return apperrors.NewDeferredError(smtpProvider, code, err)
	default:
		return apperrors.NewTransportFailedError(smtpProvider, err)
	}
}
