package sequence

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/models"
	"github.com/rbansal42/mailer-sub003/internal/transport"
)

// render fills a step's merge fields from the recipient data. Fields are
// referenced as {{.first_name}}; "email" is always present. Missing fields
// render as empty strings.
func render(step models.SequenceStep, enr *models.Enrollment, token string) (*transport.Message, error) {
	data := make(map[string]string, len(enr.RecipientData)+1)
	for k, v := range enr.RecipientData {
		data[k] = v
	}
	data["email"] = enr.RecipientEmail

	subject, err := texttemplate.New("subject").Option("missingkey=zero").Parse(step.Subject)
	if err != nil {
		return nil, apperrors.NewTemplateInvalidError(step.SequenceID, step.ID, err)
	}
	var sb strings.Builder
	if err := subject.Execute(&sb, data); err != nil {
		return nil, apperrors.NewTemplateInvalidError(step.SequenceID, step.ID, err)
	}

	body, err := htmltemplate.New("body").Option("missingkey=zero").Parse(step.Body)
	if err != nil {
		return nil, apperrors.NewTemplateInvalidError(step.SequenceID, step.ID, err)
	}
	var bb bytes.Buffer
	if err := body.Execute(&bb, data); err != nil {
		return nil, apperrors.NewTemplateInvalidError(step.SequenceID, step.ID, err)
	}

	return &transport.Message{
		Subject:  sb.String(),
		HTMLBody: bb.String(),
		Headers:  map[string]string{transport.TrackingHeader: token},
	}, nil
}
