package feed

import (
	"fmt"
	"strings"
)

// KeySeparator joins a feed id and a sub-stream id in a StreamRecord key.
const KeySeparator = ":"

// ComposeKey builds the StreamRecord key for a sub-stream of feed.
func ComposeKey(feedID, subID string) string {
	return feedID + KeySeparator + subID
}

// SplitKey is the inverse of ComposeKey. The feed id is everything before the
// first separator; sub-stream ids may contain the separator themselves.
func SplitKey(key string) (feedID, subID string, ok bool) {
	feedID, subID, ok = strings.Cut(key, KeySeparator)
	if !ok || feedID == "" || subID == "" {
		return "", "", false
	}
	return feedID, subID, true
}

// ValidateFeedID rejects ids that cannot round-trip through ComposeKey.
func ValidateFeedID(feedID string) error {
	if strings.TrimSpace(feedID) == "" {
		return fmt.Errorf("%w: feed id is empty", ErrInvalidInput)
	}
	if strings.Contains(feedID, KeySeparator) {
		return fmt.Errorf("%w: feed id %q contains %q", ErrInvalidInput, feedID, KeySeparator)
	}
	return nil
}
