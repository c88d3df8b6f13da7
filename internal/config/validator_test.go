package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator(t *testing.T) {
	v := NewValidator()

	t.Run("log level", func(t *testing.T) {
		assert.NoError(t, v.ValidateLogLevel("debug"))
		assert.Error(t, v.ValidateLogLevel("trace"))
	})

	t.Run("policy", func(t *testing.T) {
		for _, p := range []string{"", PolicyAllowAll, PolicyAllowlist} {
			assert.NoError(t, v.ValidatePolicy(p), p)
		}
		assert.Error(t, v.ValidatePolicy("deny-all"))
	})

	t.Run("permissions", func(t *testing.T) {
		assert.NoError(t, v.ValidatePermissions("x", []string{"chats:read", "storage:write"}))
		assert.EqualError(t, v.ValidatePermissions("x", []string{"chats:read", "root"}), `x: unknown permission "root"`)
	})

	t.Run("host", func(t *testing.T) {
		tests := []struct {
			host  string
			valid bool
		}{
			{"api.example.com", true},
			{"localhost", true},
			{"", false},
			{"http://api.example.com", false},
			{"api.example.com/v1", false},
			{"api.example.com:443", false},
		}
		for _, tt := range tests {
			err := v.ValidateHost(tt.host)
			if tt.valid {
				assert.NoError(t, err, tt.host)
			} else {
				assert.Error(t, err, tt.host)
			}
		}
	})

	t.Run("addr", func(t *testing.T) {
		assert.NoError(t, v.ValidateAddr(":9464"))
		assert.NoError(t, v.ValidateAddr("127.0.0.1:9464"))
		assert.Error(t, v.ValidateAddr("9464"))
	})
}

func TestValidateConfigCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	cfg.Plugins.Policy = "nope"
	cfg.Fetch.TimeoutSeconds = 0

	errs := NewValidator().ValidateConfig(cfg)
	assert.Len(t, errs, 3)
}
