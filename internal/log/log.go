// Package log adds logging utilities.
package log

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/distbelief/internal/channel"
	"github.com/dreamware/distbelief/internal/protocol"
)

// SetLogger sets the default logger's level and formatter.
// Unknown levels fall back to info.
func SetLogger(level string) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = time.RFC3339
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(ParseLevel(level))
}

// ParseLevel maps a level name to a logrus level.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// MessageToFields describes a decoded message without dumping its payload.
func MessageToFields(msg protocol.Message) logrus.Fields {
	return logrus.Fields{
		"kind":   msg.Kind.String(),
		"sender": msg.Sender,
		"len":    len(msg.Payload),
	}
}

// FrameToFields describes a raw frame, including the undecoded kind slot.
func FrameToFields(f channel.Frame) logrus.Fields {
	fields := logrus.Fields{
		"source": f.Source,
		"len":    len(f.Data),
	}
	if len(f.Data) > 0 {
		fields["kind_slot"] = f.Data[0]
	}
	return fields
}
