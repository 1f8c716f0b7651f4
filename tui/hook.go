package tui

import (
	"github.com/sirupsen/logrus"
)

// LogHook forwards log entries to a Displayer so they show up in the status
// log instead of tearing through the rendered TUI.
type LogHook struct {
	d      Displayer
	levels []logrus.Level
}

// NewLogHook forwards entries at level or more severe.
func NewLogHook(d Displayer, level logrus.Level) *LogHook {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= level {
			levels = append(levels, l)
		}
	}
	return &LogHook{d: d, levels: levels}
}

func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}

func (h *LogHook) Fire(e *logrus.Entry) error {
	text := e.Message
	if err, ok := e.Data[logrus.ErrorKey].(error); ok && err != nil {
		text += ": " + err.Error()
	}
	h.d.Log(e.Level <= logrus.WarnLevel, text)
	return nil
}
