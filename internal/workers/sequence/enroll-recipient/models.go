package enrollrecipient

import (
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/validation"
)

type Input struct {
	SequenceID string            `json:"sequenceId"`
	Email      string            `json:"email"`
	Data       map[string]string `json:"data,omitempty"`
}

type Output struct {
	EnrollmentID string     `json:"enrollmentId"`
	Status       string     `json:"enrollmentStatus"`
	NextSendAt   *time.Time `json:"nextSendAt,omitempty"`
}

var inputSchema = validation.MustCompile(`{
  "type": "object",
  "required": ["sequenceId", "email"],
  "properties": {
    "sequenceId": {"type": "string", "minLength": 1},
    "email":      {"type": "string", "minLength": 3, "maxLength": 254},
    "data":       {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`)
