package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLogrusLoggerLevels(t *testing.T) {
	tests := map[string]logrus.Level{
		"trace": logrus.TraceLevel,
		"debug": logrus.DebugLevel,
		"":      logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"bogus": logrus.InfoLevel,
	}

	for in, want := range tests {
		assert.Equal(t, want, NewLogrusLogger(in).Level, in)
	}
}

func TestComponentLogger(t *testing.T) {
	entry := NewComponentLogger(NewLogrusLogger("info"), "worker")
	assert.Equal(t, "worker", entry.Data["component"])
}

func TestSetLevelWithoutInit(t *testing.T) {
	assert.NotPanics(t, func() { SetLevel("debug") })
}
