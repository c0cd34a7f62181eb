package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/dreamware/distbelief/internal/channel"
	"github.com/dreamware/distbelief/internal/protocol"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]logrus.Level{
		"trace":   logrus.TraceLevel,
		"DEBUG":   logrus.DebugLevel,
		"info":    logrus.InfoLevel,
		"warn":    logrus.WarnLevel,
		"warning": logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"bogus":   logrus.InfoLevel,
		"":        logrus.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestSetLogger(t *testing.T) {
	prev := logrus.GetLevel()
	defer logrus.SetLevel(prev)

	SetLogger("debug")
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
}

func TestMessageToFields(t *testing.T) {
	fields := MessageToFields(protocol.Message{
		Kind:    protocol.GradientUpdate,
		Sender:  protocol.WorkerEndpoint,
		Payload: make([]float32, 3),
	})
	assert.Equal(t, "GradientUpdate", fields["kind"])
	assert.Equal(t, protocol.WorkerEndpoint, fields["sender"])
	assert.Equal(t, 3, fields["len"])
}

func TestFrameToFields(t *testing.T) {
	fields := FrameToFields(channel.Frame{Source: protocol.WorkerEndpoint, Data: []float32{5, 1}})
	assert.Equal(t, float32(5), fields["kind_slot"])
	assert.Equal(t, 2, fields["len"])

	fields = FrameToFields(channel.Frame{})
	_, ok := fields["kind_slot"]
	assert.False(t, ok)
}
