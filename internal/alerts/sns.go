// Package alerts tells operators when a sender account's circuit opens.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

const EventCircuitOpened = "circuit_opened"

// Publisher is the SNS call the notifier needs; *sns.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// CircuitAlert is the JSON message body.
type CircuitAlert struct {
	Event     string     `json:"event"`
	Service   string     `json:"service"`
	AccountID string     `json:"accountId"`
	Failures  int        `json:"failures"`
	OpenUntil *time.Time `json:"openUntil,omitempty"`
}

type SNSNotifier struct {
	publisher Publisher
	topicARN  string
	service   string
	logger    logger.Logger
}

func NewSNSNotifier(p Publisher, topicARN, service string, log logger.Logger) *SNSNotifier {
	return &SNSNotifier{
		publisher: p,
		topicARN:  topicARN,
		service:   service,
		logger:    log.WithFields(map[string]interface{}{"component": "alerts"}),
	}
}

// CircuitOpened publishes one alert per opening. The account id is sent as
// a message attribute so subscriptions can filter on it.
func (n *SNSNotifier) CircuitOpened(ctx context.Context, accountID string, state models.CircuitState) error {
	body, err := json.Marshal(CircuitAlert{
		Event:     EventCircuitOpened,
		Service:   n.service,
		AccountID: accountID,
		Failures:  state.Failures,
		OpenUntil: state.OpenUntil,
	})
	if err != nil {
		return fmt.Errorf("encode circuit alert: %w", err)
	}

	out, err := n.publisher.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(fmt.Sprintf("[%s] sender account %s paused", n.service, accountID)),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event":     {DataType: aws.String("String"), StringValue: aws.String(EventCircuitOpened)},
			"accountId": {DataType: aws.String("String"), StringValue: aws.String(accountID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish circuit alert for %s: %w", accountID, err)
	}

	n.logger.Info("circuit alert published", map[string]interface{}{
		"accountId": accountID,
		"messageId": aws.ToString(out.MessageId),
	})
	return nil
}
