package delivermessage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/delivery"
	"github.com/rbansal42/mailer-sub003/internal/transport"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "deliver-message"
)

// Deliverer is the Delivery Engine entry point.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) delivery.Outcome
}

type Handler struct {
	config     *Config
	deliverer  Deliverer
	errHandler *apperrors.ErrorHandler
	logger     logger.Logger
}

func NewHandler(config *Config, d Deliverer, errHandler *apperrors.ErrorHandler, log logger.Logger) (*Handler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Handler{
		config:     config,
		deliverer:  d,
		errHandler: errHandler,
		logger:     log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) error {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := h.parseInput(job.Variables)
	if err != nil {
		h.errHandler.HandleJobError(ctx, client, job, err)
		return err
	}

	output, err := h.Execute(ctx, input)
	if err != nil {
		h.errHandler.HandleJobError(ctx, client, job, err)
		return err
	}

	h.completeJob(ctx, client, job, output)
	return nil
}

func (h *Handler) parseInput(variables string) (*Input, error) {
	result, err := inputSchema.ValidateJSON([]byte(variables))
	if err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	if !result.Valid {
		return nil, apperrors.NewValidationError(result.Error())
	}

	var input Input
	if err := json.Unmarshal([]byte(variables), &input); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("parse input: %v", err))
	}
	return &input, nil
}

// Execute delivers one message. A delivery that ends in failure is returned
// as its classified error so the process can branch on it.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	msg, err := buildMessage(input)
	if err != nil {
		return nil, err
	}

	out := h.deliverer.Deliver(ctx, delivery.Request{
		Recipient:  input.Recipient,
		Message:    msg,
		CampaignID: input.CampaignID,
	})

	output := &Output{
		Success:   out.Succeeded(),
		Status:    string(out.Status),
		AccountID: out.AccountID,
		Provider:  string(out.Provider),
		Attempts:  out.Attempts,
		MessageID: out.MessageID,
		SendLogID: out.LogID,
		Reason:    out.Reason,
	}
	if !out.Succeeded() {
		if out.Err != nil {
			return output, out.Err
		}
		return output, apperrors.NewInternalError(fmt.Errorf("delivery failed: %s", out.Reason))
	}
	return output, nil
}

func buildMessage(input *Input) (*transport.Message, error) {
	msg := &transport.Message{
		Subject:  input.Subject,
		HTMLBody: input.HTMLBody,
		TextBody: input.TextBody,
		ReplyTo:  input.ReplyTo,
		Headers:  input.Headers,
	}
	for _, a := range input.Attachments {
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("attachment %s is not valid base64", a.Filename))
		}
		msg.Attachments = append(msg.Attachments, transport.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     content,
		})
	}
	return msg, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err,
		})
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err,
		})
		return
	}
	h.logger.Info("job completed successfully", map[string]interface{}{
		"jobKey":    job.Key,
		"accountId": output.AccountID,
	})
}
