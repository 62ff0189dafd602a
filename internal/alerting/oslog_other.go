//go:build windows || plan9

package alerting

// The OS event log channel is unix-only in this build; the console and
// file channels carry alerts elsewhere.
func newOSLogChannel() channel { return nil }
