package delivermessage

import "github.com/rbansal42/mailer-sub003/internal/common/validation"

type Input struct {
	Recipient   string            `json:"recipient"`
	CampaignID  string            `json:"campaignId"`
	Subject     string            `json:"subject"`
	HTMLBody    string            `json:"htmlBody,omitempty"`
	TextBody    string            `json:"textBody,omitempty"`
	ReplyTo     string            `json:"replyTo,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"` // Base64 encoded
}

type Output struct {
	Success   bool   `json:"deliverySuccess"`
	Status    string `json:"deliveryStatus"`
	AccountID string `json:"accountId,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Attempts  int    `json:"attempts"`
	MessageID string `json:"messageId,omitempty"`
	SendLogID string `json:"sendLogId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var inputSchema = validation.MustCompile(`{
  "type": "object",
  "required": ["recipient", "campaignId", "subject"],
  "properties": {
    "recipient":  {"type": "string", "minLength": 3, "maxLength": 254},
    "campaignId": {"type": "string", "minLength": 1},
    "subject":    {"type": "string", "minLength": 1, "maxLength": 998},
    "htmlBody":   {"type": "string"},
    "textBody":   {"type": "string"},
    "replyTo":    {"type": "string"},
    "headers":    {"type": "object", "additionalProperties": {"type": "string"}},
    "attachments": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["filename", "content"],
        "properties": {
          "filename":    {"type": "string", "minLength": 1},
          "contentType": {"type": "string"},
          "content":     {"type": "string"}
        }
      }
    }
  },
  "anyOf": [
    {"required": ["htmlBody"]},
    {"required": ["textBody"]}
  ]
}`)
