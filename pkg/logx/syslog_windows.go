//go:build windows

package logx

// EnableSyslog is a no-op on platforms without a syslog daemon.
func (l *Logger) EnableSyslog(tag string) error {
	return nil
}
