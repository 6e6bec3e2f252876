package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultTransactionTimeout, cfg.TransactionTimeout, "The reaper runs unless disabled")
	assert.Equal(t, time.Second, cfg.ReapInterval)
	assert.Equal(t, 2*time.Second, cfg.DialTimeout)
	assert.NotNil(t, cfg.Dial)
	assert.NotNil(t, cfg.Logger)

	disabled := Config{TransactionTimeout: -1}.withDefaults()
	assert.Negative(t, disabled.TransactionTimeout)

	custom := Config{TransactionTimeout: time.Minute}.withDefaults()
	assert.Equal(t, time.Minute, custom.TransactionTimeout)
}
