package events

import (
	"github.com/sirupsen/logrus"
)

// Level emoji prefixes for log events carried on the bus. The same entry
// goes to stdout through logrus itself; the hook only mirrors it.
var levelEmoji = map[logrus.Level]string{
	logrus.DebugLevel: "🔍",
	logrus.InfoLevel:  "ℹ️",
	logrus.WarnLevel:  "⚠️",
	logrus.ErrorLevel: "❌",
	logrus.FatalLevel: "💀",
	logrus.PanicLevel: "💀",
}

// BusHook is a logrus hook that mirrors log entries onto the bus under
// the log.<level> topic. Mask, when set, is applied to the rendered
// message so credential material never reaches subscribers.
type BusHook struct {
	Bus  *Bus
	Mask func(string) string
}

// NewBusHook creates a hook publishing to the given bus.
func NewBusHook(bus *Bus) *BusHook {
	return &BusHook{Bus: bus}
}

// Levels implements logrus.Hook.
func (h *BusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *BusHook) Fire(entry *logrus.Entry) error {
	msg := entry.Message
	if h.Mask != nil {
		msg = h.Mask(msg)
	}

	payload := map[string]any{
		"level":   entry.Level.String(),
		"message": levelEmoji[entry.Level] + " " + msg,
	}
	for k, v := range entry.Data {
		if s, ok := v.(string); ok && h.Mask != nil {
			v = h.Mask(s)
		}
		payload[k] = v
	}

	h.Bus.Publish(Event{
		Topic:   Topic("log." + entry.Level.String()),
		Time:    entry.Time,
		Payload: payload,
	})
	return nil
}
