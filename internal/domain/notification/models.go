package notification

import (
	"strings"
)

// Alert kinds, sent as the "kind" data field.
const (
	KindRelinkRequired = "relink_required"
	KindSyncComplete   = "sync_complete"
	KindLinkRevoked    = "link_revoked"
)

const topicPrefix = "user-"

// Topic returns the FCM topic a client user's devices subscribe to.
// Characters outside the topic alphabet are replaced with '_'.
func Topic(clientUserID string) string {
	var b strings.Builder
	b.Grow(len(topicPrefix) + len(clientUserID))
	b.WriteString(topicPrefix)
	for _, r := range clientUserID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~', r == '%':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
