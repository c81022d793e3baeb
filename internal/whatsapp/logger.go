package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

// bridgeLogger routes whatsmeow's waLog.Logger into the L_* facade.
// whatsmeow is chatty at info level, so its info lines land at debug.
type bridgeLogger struct {
	module string
}

func newLogger(module string) waLog.Logger {
	return &bridgeLogger{module: module}
}

func (l *bridgeLogger) Debugf(msg string, args ...interface{}) {
	L_trace(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *bridgeLogger) Infof(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *bridgeLogger) Warnf(msg string, args ...interface{}) {
	L_warn(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *bridgeLogger) Errorf(msg string, args ...interface{}) {
	L_error(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *bridgeLogger) Sub(module string) waLog.Logger {
	return &bridgeLogger{module: l.module + "/" + module}
}
