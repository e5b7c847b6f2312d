package monitor

import "feedrelay/internal/feed"

// Notice is what a transition asks the monitor to send.
type Notice int

const (
	NoticeNone Notice = iota
	NoticeAlert
	NoticeRecovery
)

func (n Notice) String() string {
	switch n {
	case NoticeAlert:
		return "alert"
	case NoticeRecovery:
		return "recovery"
	default:
		return "none"
	}
}

// Advance applies one observation to prev and returns the next state.
//
// A stream must be seen frozen on more than threshold consecutive checks
// before an alert goes out, and the alert goes out once per episode. The
// first fresh check after any frozen one ends the episode and always
// announces recovery, even when no alert had been sent.
//
// Version and UpdatedAt are carried over unchanged; the caller owns them.
func Advance(prev feed.StreamHealth, frozen bool, threshold int) (feed.StreamHealth, Notice) {
	next := prev
	switch {
	case frozen && prev.Frozen:
		next.ErrorCount++
		if next.ErrorCount > threshold && !prev.Sent {
			next.Sent = true
			return next, NoticeAlert
		}
		return next, NoticeNone
	case frozen:
		next.Frozen = true
		next.ErrorCount = 1
		next.Sent = false
		return next, NoticeNone
	case prev.Frozen:
		next.Frozen = false
		next.Sent = false
		next.ErrorCount = 0
		return next, NoticeRecovery
	default:
		return next, NoticeNone
	}
}

func frozenMessage(id string) string { return "Stream " + id + " Frozen" }
func okMessage(id string) string     { return "Stream " + id + " OK" }
