package redis

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_InvalidURL(t *testing.T) {
	logger, _ := test.NewNullLogger()

	_, err := NewClient(DefaultConnectionConfig("not-a-url"), logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse Redis URL")
}

func TestNewClient_Unreachable(t *testing.T) {
	logger, _ := test.NewNullLogger()

	config := DefaultConnectionConfig("redis://127.0.0.1:1/0")
	config.MaxRetries = -1
	config.DialTimeout = 200 * time.Millisecond
	config.PingTimeout = time.Second

	_, err := NewClient(config, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestNewClient_Connects(t *testing.T) {
	logger, hook := test.NewNullLogger()

	client, err := NewClient(DefaultConnectionConfig("redis://localhost:6379/3"), logger)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()

	assert.NoError(t, client.Ping(context.Background()))
	assert.NotNil(t, client.Raw())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Connected to Redis", hook.LastEntry().Message)
	assert.Equal(t, 3, hook.LastEntry().Data["db"])
}
