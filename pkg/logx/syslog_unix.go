//go:build !windows

package logx

import (
	"log/syslog"

	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// EnableSyslog mirrors log output to the local syslog daemon. RUTOS
// surfaces these entries through logread.
func (l *Logger) EnableSyslog(tag string) error {
	hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return err
	}
	l.base.AddHook(hook)
	return nil
}
