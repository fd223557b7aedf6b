package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// wrapperPackages are function prefixes skipped when resolving the reported caller.
var wrapperPackages = []string{
	"sirupsen/logrus",
	"cryptocrawler/logger.(*Entry)",
	"cryptocrawler/logger.(*Log)",
	"cryptocrawler/logger.LogPerformanceEntry",
	"cryptocrawler/logger.LogDataFlowEntry",
}

// callerHook points entry.Caller at the first frame outside logrus and
// this package, so Entry wrappers do not show up as the call site.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isWrapperFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isWrapperFrame(fn string) bool {
	for _, pkg := range wrapperPackages {
		if strings.Contains(fn, pkg) {
			return true
		}
	}
	return false
}
