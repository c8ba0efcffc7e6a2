package event_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modkit/eventbus/pkg/eventbus/event"
)

func validCandidate() event.Candidate {
	return event.New("user.created", "user-mgmt", json.RawMessage(`{"id":42}`))
}

func TestValidateAccepts(t *testing.T) {
	v := event.DefaultValidator

	tests := []struct {
		name   string
		mutate func(*event.Candidate)
	}{
		{"plain", func(c *event.Candidate) {}},
		{"dotted type", func(c *event.Candidate) { c.Type = "order.payment.settled" }},
		{"underscored type", func(c *event.Candidate) { c.Type = "SYSTEM_STARTUP" }},
		{"explicit priority", func(c *event.Candidate) { c.Priority = event.PriorityCritical }},
		{"absent priority", func(c *event.Candidate) { c.Priority = "" }},
		{"caller event id", func(c *event.Candidate) { c.EventID = "evt-001" }},
		{"correlation and causation", func(c *event.Candidate) {
			c.CorrelationID = "corr-1"
			c.CausationID = "evt-000"
		}},
		{"scalar payload", func(c *event.Candidate) { c.Payload = json.RawMessage(`42`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandidate()
			tt.mutate(&c)
			assert.NoError(t, v.Validate(c))
		})
	}
}

func TestValidateRejects(t *testing.T) {
	v := event.DefaultValidator

	tests := []struct {
		name   string
		mutate func(*event.Candidate)
		field  string
	}{
		{"empty type", func(c *event.Candidate) { c.Type = "" }, "event_type"},
		{"type with space", func(c *event.Candidate) { c.Type = "user created" }, "event_type"},
		{"type with slash", func(c *event.Candidate) { c.Type = "user/created" }, "event_type"},
		{"overlong type", func(c *event.Candidate) { c.Type = strings.Repeat("a", 200) }, "event_type"},
		{"unknown priority", func(c *event.Candidate) { c.Priority = "urgent" }, "priority"},
		{"uppercase priority", func(c *event.Candidate) { c.Priority = "HIGH" }, "priority"},
		{"empty module", func(c *event.Candidate) { c.SourceModuleID = "" }, "source_module_id"},
		{"malformed module", func(c *event.Candidate) { c.SourceModuleID = "user mgmt!" }, "source_module_id"},
		{"missing payload", func(c *event.Candidate) { c.Payload = nil }, "payload"},
		{"invalid json payload", func(c *event.Candidate) { c.Payload = json.RawMessage(`{"broken`) }, "payload"},
		{"malformed causation id", func(c *event.Candidate) { c.CausationID = "no spaces allowed" }, "causation_id"},
		{"malformed event id", func(c *event.Candidate) { c.EventID = "id with spaces" }, "event_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandidate()
			tt.mutate(&c)

			err := v.Validate(c)
			require.Error(t, err)

			var verr *event.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidatePayloadSizeBound(t *testing.T) {
	v := event.NewValidator(64)

	c := validCandidate()
	c.Payload = json.RawMessage(`{"blob":"` + strings.Repeat("x", 100) + `"}`)

	err := v.Validate(c)
	require.Error(t, err)

	var verr *event.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payload", verr.Field)
}

func TestValidateCheckOrder(t *testing.T) {
	// Fail-fast: with several invalid fields the first check in order wins.
	v := event.DefaultValidator

	c := validCandidate()
	c.Type = ""
	c.Priority = "urgent"
	c.SourceModuleID = ""

	err := v.Validate(c)
	var verr *event.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "event_type", verr.Field)
}
