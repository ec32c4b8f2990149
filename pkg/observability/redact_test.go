package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSensitiveKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"api_key", true},
		{"API_KEY", true},
		{"Authorization", true},
		{"bearer_header", true},
		{"client_secret", true},
		{"refresh_token", true},
		{"db_password", true},
		{"aws_credentials", true},
		{"auth_scheme", true},
		{"goal", false},
		{"tool", false},
		{"trace_id", false},
		{"city", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, SensitiveKey(tt.key))
		})
	}
}

func TestRedactReplacesSensitiveValues(t *testing.T) {
	attrs := map[string]any{
		"goal":    "book flights",
		"api_key": "sk-live-12345",
		"request": map[string]any{
			"city":       "Lisbon",
			"auth_token": "abcdef",
			"nested": map[string]any{
				"password": "hunter2",
				"seats":    2,
			},
		},
	}

	got := Redact(attrs)

	assert.Equal(t, "book flights", got["goal"])
	assert.Equal(t, RedactedValue, got["api_key"])

	request := got["request"].(map[string]any)
	assert.Equal(t, "Lisbon", request["city"])
	assert.Equal(t, RedactedValue, request["auth_token"])

	nested := request["nested"].(map[string]any)
	assert.Equal(t, RedactedValue, nested["password"])
	assert.Equal(t, 2, nested["seats"])
}

func TestRedactDropsNestedStructureUnderSensitiveKey(t *testing.T) {
	attrs := map[string]any{
		"credentials": map[string]any{"user": "alice", "pass": "x"},
	}

	got := Redact(attrs)

	// The whole subtree is replaced, not recursed into.
	assert.Equal(t, RedactedValue, got["credentials"])
}

func TestRedactDoesNotMutateInput(t *testing.T) {
	attrs := map[string]any{
		"token": "tok-1",
		"inner": map[string]any{"secret": "s"},
	}

	_ = Redact(attrs)

	assert.Equal(t, "tok-1", attrs["token"])
	assert.Equal(t, "s", attrs["inner"].(map[string]any)["secret"])
}

func TestRedactHandlesCollections(t *testing.T) {
	attrs := map[string]any{
		"headers": map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer xyz",
		},
		"attempts": []any{
			map[string]any{"status": 200, "api_key": "k"},
			"plain entry",
		},
	}

	got := Redact(attrs)

	headers := got["headers"].(map[string]string)
	assert.Equal(t, "application/json", headers["Content-Type"])
	assert.Equal(t, RedactedValue, headers["Authorization"])

	attempts := got["attempts"].([]any)
	first := attempts[0].(map[string]any)
	assert.Equal(t, 200, first["status"])
	assert.Equal(t, RedactedValue, first["api_key"])
	assert.Equal(t, "plain entry", attempts[1])
}

func TestRedactNil(t *testing.T) {
	assert.Nil(t, Redact(nil))
}

func TestNewEventRedactsAtConstruction(t *testing.T) {
	event := NewEvent(EventToolCallStart, "trace-1", map[string]any{
		"tool":    "read_file",
		"api_key": "leaky",
	})

	assert.Equal(t, RedactedValue, event.Attr("api_key"))
	assert.Equal(t, "read_file", event.Attr("tool"))
	assert.Equal(t, StatusSuccess, event.Status)
	assert.NotZero(t, event.Timestamp)
}

func TestWithAttrRedacts(t *testing.T) {
	base := NewEvent(EventRouteDecision, "trace-1", nil)

	event := base.WithAttr("target", "worker-1").WithAttr("session_token", "t")

	assert.Equal(t, "worker-1", event.Attr("target"))
	assert.Equal(t, RedactedValue, event.Attr("session_token"))
	assert.Nil(t, base.Attributes)
}
