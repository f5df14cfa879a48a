package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	prevLevel := logrus.GetLevel()
	prevFormatter := logrus.StandardLogger().Formatter
	defer func() {
		logrus.SetLevel(prevLevel)
		logrus.SetFormatter(prevFormatter)
	}()

	require.NoError(t, Setup("debug", "json"))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	require.NoError(t, Setup("WARN", ""))
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logrus.StandardLogger().Formatter)

	assert.Error(t, Setup("loud", "text"))
	assert.Error(t, Setup("info", "xml"))
}

func TestFor(t *testing.T) {
	e := For("mailbox")
	assert.Equal(t, "mailbox", e.Data["component"])
}
