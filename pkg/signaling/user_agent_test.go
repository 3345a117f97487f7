package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/fsmrf/pkg/logger"
)

func TestNewUserAgent_Defaults(t *testing.T) {
	ua, err := NewUserAgent(Config{Host: "127.0.0.1"}, logger.NoOpLogger{})
	require.NoError(t, err)
	defer ua.Close()

	assert.Equal(t, 5060, ua.cfg.Port)
	assert.Equal(t, "udp", ua.cfg.Transport)
	assert.Equal(t, "fsmrf", ua.cfg.UserAgent)
	assert.Equal(t, "mrf", ua.cfg.ContactUser)
}

func TestUserAgent_IncomingHandler(t *testing.T) {
	ua, err := NewUserAgent(DefaultConfig(), logger.NoOpLogger{})
	require.NoError(t, err)
	defer ua.Close()

	called := false
	ua.OnIncomingCall(func(IncomingCall) { called = true })

	ua.mu.RLock()
	fn := ua.onIncoming
	ua.mu.RUnlock()
	require.NotNil(t, fn)
	fn(nil)
	assert.True(t, called)
}
