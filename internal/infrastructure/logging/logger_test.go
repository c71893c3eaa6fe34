package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewWithTimestampModes(t *testing.T) {
	for _, mode := range []string{"", TimestampISO8601, TimestampEpoch, TimestampNone} {
		cfg := DefaultConfig()
		cfg.Timestamp = mode

		logger, err := New(cfg)
		require.NoError(t, err, "mode %q", mode)
		assert.NotNil(t, logger.Logger)
	}
}

func TestNewRejectsUnknownTimestamp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timestamp = "lunar"

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "chatty"

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestEncoderConfigOmitsTime(t *testing.T) {
	cfg, err := encoderConfig(false, TimestampNone)
	require.NoError(t, err)
	assert.Equal(t, zapcore.OmitKey, cfg.TimeKey)

	cfg, err = encoderConfig(true, TimestampEpoch)
	require.NoError(t, err)
	assert.Equal(t, "T", cfg.TimeKey)
	assert.NotNil(t, cfg.EncodeTime)
}

func TestNamedAndWith(t *testing.T) {
	logger := NewNop()
	assert.NotNil(t, logger.Named("sandbox").Logger)
	assert.NotNil(t, logger.With().Logger)
}
