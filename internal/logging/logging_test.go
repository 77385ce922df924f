package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosaic/internal/config"
)

func TestNewJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	Component(logger, "pool").Info("found 8 accelerator device(s)")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "pool", entry["component"])
	assert.Equal(t, "found 8 accelerator device(s)", entry["msg"])
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"}, nil)
	assert.Error(t, err)
}
