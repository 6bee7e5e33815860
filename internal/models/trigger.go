package models

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/validation"
)

type TriggerType string

const (
	TriggerActionClick  TriggerType = "action_click"
	TriggerOpened       TriggerType = "opened"
	TriggerClickedAny   TriggerType = "clicked_any"
	TriggerNoEngagement TriggerType = "no_engagement"
)

// Trigger is the condition that selects a branch. Each trigger type carries
// its own typed configuration.
type Trigger interface {
	Type() TriggerType
	isTrigger()
}

type ActionClickTrigger struct{}

type OpenedTrigger struct {
	MinOpens int `json:"minOpens"`
}

type ClickedAnyTrigger struct{}

type NoEngagementTrigger struct {
	AfterSteps int `json:"afterSteps"`
}

func (ActionClickTrigger) Type() TriggerType  { return TriggerActionClick }
func (OpenedTrigger) Type() TriggerType       { return TriggerOpened }
func (ClickedAnyTrigger) Type() TriggerType   { return TriggerClickedAny }
func (NoEngagementTrigger) Type() TriggerType { return TriggerNoEngagement }

func (ActionClickTrigger) isTrigger()  {}
func (OpenedTrigger) isTrigger()       {}
func (ClickedAnyTrigger) isTrigger()   {}
func (NoEngagementTrigger) isTrigger() {}

var triggerSchemas = map[TriggerType]*validation.Schema{
	TriggerActionClick: validation.MustCompile(`{"type": "object"}`),
	TriggerClickedAny:  validation.MustCompile(`{"type": "object"}`),
	TriggerOpened: validation.MustCompile(`{
		"type": "object",
		"properties": {"minOpens": {"type": "integer", "minimum": 1}},
		"required": ["minOpens"]
	}`),
	TriggerNoEngagement: validation.MustCompile(`{
		"type": "object",
		"properties": {"afterSteps": {"type": "integer", "minimum": 1}},
		"required": ["afterSteps"]
	}`),
}

// ParseTrigger builds a typed trigger from its stored type and raw JSON
// config, rejecting unknown types and invalid parameters.
func ParseTrigger(triggerType string, rawConfig []byte) (Trigger, error) {
	tt := TriggerType(triggerType)
	schema, ok := triggerSchemas[tt]
	if !ok {
		return nil, apperrors.NewInvalidTriggerConfigError(triggerType, "unknown trigger type")
	}

	res, err := schema.ValidateJSON(rawConfig)
	if err != nil {
		return nil, apperrors.NewInvalidTriggerConfigError(triggerType, err.Error())
	}
	if !res.Valid {
		return nil, apperrors.NewInvalidTriggerConfigError(triggerType, res.Error())
	}

	switch tt {
	case TriggerActionClick:
		return ActionClickTrigger{}, nil
	case TriggerClickedAny:
		return ClickedAnyTrigger{}, nil
	case TriggerOpened:
		var t OpenedTrigger
		if err := json.Unmarshal(rawConfig, &t); err != nil {
			return nil, apperrors.NewInvalidTriggerConfigError(triggerType, err.Error())
		}
		return t, nil
	case TriggerNoEngagement:
		var t NoEngagementTrigger
		if err := json.Unmarshal(rawConfig, &t); err != nil {
			return nil, apperrors.NewInvalidTriggerConfigError(triggerType, err.Error())
		}
		return t, nil
	}
	return nil, fmt.Errorf("unhandled trigger type %q", triggerType)
}

// TriggerConfigJSON is the inverse of ParseTrigger's config argument.
func TriggerConfigJSON(t Trigger) ([]byte, error) {
	switch v := t.(type) {
	case OpenedTrigger, NoEngagementTrigger:
		return json.Marshal(v)
	case nil:
		return nil, fmt.Errorf("nil trigger")
	default:
		return []byte("{}"), nil
	}
}
