//go:build !windows && !plan9

package alerting

import "log/syslog"

// osLogChannel forwards alerts to syslog. Best-effort: if the syslog
// daemon is unreachable the channel is simply not installed.
type osLogChannel struct {
	w *syslog.Writer
}

func newOSLogChannel() channel {
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "aires")
	if err != nil {
		return nil
	}
	return &osLogChannel{w: w}
}

func (c *osLogChannel) Name() string { return "oslog" }

func (c *osLogChannel) Deliver(a Alert) error {
	msg := a.Source + ": " + a.Message + formatContext(a.Context)
	switch a.Severity {
	case SeverityCritical:
		return c.w.Crit(msg)
	case SeverityWarning:
		return c.w.Warning(msg)
	default:
		return c.w.Info(msg)
	}
}
