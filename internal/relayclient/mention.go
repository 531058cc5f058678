package relayclient

import "vending-controller/internal/nostr"

const (
	EventKind  = 1573
	SessionTag = "s"
	MentionTag = "p"
)

// ExtractMention returns the first mention tag value of ev.
func ExtractMention(ev *nostr.Event) (string, bool) {
	if ev == nil {
		return "", false
	}
	return ev.Tags.Value(MentionTag)
}
