package node

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xorspace/membrane/src/common"
)

type Config struct {
	// TCPTimeout is the timeout for outbound network operations.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// MaxAERetries caps how often the same bounced message is resent to the
	// same peer in response to anti-entropy replies.
	MaxAERetries int `mapstructure:"max-ae-retries"`

	// JoinAge is the age recorded for the bootstrap member when starting a
	// new network.
	JoinAge uint8 `mapstructure:"join-age"`

	Logger *logrus.Logger
}

func NewConfig(timeout time.Duration,
	maxAERetries int,
	joinAge uint8,
	logger *logrus.Logger) *Config {

	return &Config{
		TCPTimeout:   timeout,
		MaxAERetries: maxAERetries,
		JoinAge:      joinAge,
		Logger:       logger,
	}
}

func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		TCPTimeout:   1000 * time.Millisecond,
		MaxAERetries: 3,
		JoinAge:      5,
		Logger:       logger,
	}
}

func TestConfig(t *testing.T) *Config {
	config := DefaultConfig()
	config.Logger = common.NewTestLogger(t)
	return config
}
