package model

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/simbatch/queued/pkg/types"
)

// ParamValue is one validated parameter of a submitted task.
type ParamValue struct {
	Name  string
	Value interface{}
}

// Task is a validated model-evaluation request. It satisfies types.Payload,
// which is all the broker ever sees of it.
type Task struct {
	model    *Model
	registry *Registry
	email    string
	values   []ParamValue
}

var _ types.Payload = (*Task)(nil)

// ModelName returns the declared model name.
func (t *Task) ModelName() string { return t.model.Name }

// ModelVersion returns the declared model version.
func (t *Task) ModelVersion() int { return t.model.Version }

// EmailAddress implements types.Payload.
func (t *Task) EmailAddress() string { return t.email }

// Encode implements types.Payload. The result round-trips through Decode.
func (t *Task) Encode() map[string]interface{} {
	params := make([]interface{}, 0, len(t.values))
	for _, pv := range t.values {
		params = append(params, map[string]interface{}{
			"name":  pv.Name,
			"value": pv.Value,
		})
	}
	return map[string]interface{}{
		"modelName":    t.model.Name,
		"modelVersion": t.model.Version,
		"emailAddress": t.email,
		"params":       params,
	}
}

// EmailData is the payload handed to the failure email templates.
type EmailData struct {
	ModelName    string
	ModelVersion int
	EmailAddress string
	Params       []ParamValue
}

// FailureEmail implements types.Payload, rendering the registry's bound
// failure templates. Template errors fall back to a plain notice rather
// than losing the message.
func (t *Task) FailureEmail() types.Email {
	data := EmailData{
		ModelName:    t.model.Name,
		ModelVersion: t.model.Version,
		EmailAddress: t.email,
		Params:       t.values,
	}

	var subject, body strings.Builder
	if err := t.registry.failureSubject.Execute(&subject, data); err != nil {
		log.WithField("error", err).Error("failure subject template failed")
		subject.Reset()
		subject.WriteString("Your " + t.model.Name + " job failed")
	}
	if err := t.registry.failureBody.Execute(&body, data); err != nil {
		log.WithField("error", err).Error("failure body template failed")
		body.Reset()
		body.WriteString("Your " + t.model.Name + " job could not be completed.")
	}

	return types.Email{
		To:      t.email,
		Subject: subject.String(),
		Body:    body.String(),
	}
}
