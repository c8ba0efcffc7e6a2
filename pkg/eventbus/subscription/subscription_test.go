package subscription_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modkit/eventbus/pkg/eventbus/subscription"
)

func TestMatchesType(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"user.created", "user.created", true},
		{"user.created", "user.updated", false},
		{"user.created", "user.created.v2", false},

		{"user.*", "user.created", true},
		{"user.*", "user.profile.updated", true},
		{"user.*", "users.created", false},
		{"user.*", "user", false},
		{"user.*", "order.placed", false},

		{"*", "user.created", true},
		{"*", "anything", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, subscription.MatchesType(tt.pattern, tt.eventType))
		})
	}
}

func TestValidatePattern(t *testing.T) {
	valid := []string{"user.created", "user.*", "*", "a.b.c.*"}
	for _, p := range valid {
		assert.NoError(t, subscription.ValidatePattern(p), p)
	}

	invalid := []string{"", ".*", "user.*.created", "**"}
	for _, p := range invalid {
		assert.Error(t, subscription.ValidatePattern(p), p)
	}
}

func TestIsWildcard(t *testing.T) {
	assert.True(t, subscription.IsWildcard("*"))
	assert.True(t, subscription.IsWildcard("user.*"))
	assert.False(t, subscription.IsWildcard("user.created"))
}

func TestTransportKindValid(t *testing.T) {
	assert.True(t, subscription.TransportInProcess.Valid())
	assert.True(t, subscription.TransportHTTP.Valid())
	assert.False(t, subscription.TransportKind("grpc").Valid())
}
