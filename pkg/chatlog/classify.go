package chatlog

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"tether/pkg/protocol"
)

// placeholders are idle or heartbeat status texts that never become
// messages. A text matches only when it is the whole placeholder, ignoring
// case, surrounding space and trailing dots, so "Ready." is filtered but
// "Your report is ready to review" is kept.
var placeholders = map[string]bool{ //nolint:gochecknoglobals // read-only lookup table
	"loading":     true,
	"no message":  true,
	"waiting":     true,
	"zzz":         true,
	"ready":       true,
	"idle":        true,
	"standing by": true,
}

// echoPrefixes mark backend echoes of the device's own traffic and
// system markers.
var echoPrefixes = []string{"Received:", "[SYSTEM:"} //nolint:gochecknoglobals // read-only lookup table

var (
	envelopeRe      = regexp.MustCompile(`^entity:(\d+):([A-Z]+):\s*(.*)$`)
	historySourceRe = regexp.MustCompile(`^entity:(\d+):([A-Z]+)->(\S+)$`)
)

// missionNotifyTag prefixes backend rows the server wrote on the user's
// behalf ("mission_notify:0,1").
const missionNotifyTag = "mission_notify"

// IsPlaceholder reports whether text should be discarded without
// creating a message.
func IsPlaceholder(text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	for _, p := range echoPrefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return placeholders[normalizePlaceholder(text)]
}

func normalizePlaceholder(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	return strings.TrimSpace(strings.TrimRight(s, ".…!"))
}

// Classify returns the message type of a polled status text and the
// text to store. An entity-to-entity envelope is stripped; anything else
// is a plain response, stored unchanged.
func Classify(text string) (protocol.MessageType, string) {
	if m := envelopeRe.FindStringSubmatch(text); m != nil {
		return protocol.MsgEntityToEntity, m[3]
	}
	return protocol.MsgEntityResponse, text
}

// DedupKey derives the idempotency key for an observation: entity,
// content hash and time bucket. Identical text from the same entity
// inside one bucket collides by construction. Windows under a
// millisecond are treated as one millisecond.
func DedupKey(entityID int, storedText string, observedAt time.Time, window time.Duration) string {
	sum := blake3.Sum256([]byte(storedText))
	return fmt.Sprintf("%d:%s:%d", entityID, hex.EncodeToString(sum[:8]), timeBucket(observedAt, window))
}

// timeBucket floors observedAt to a multiple of window, so instants
// before 1970 land in the bucket below zero rather than bucket 0.
func timeBucket(observedAt time.Time, window time.Duration) int64 {
	size := window.Milliseconds()
	if size < 1 {
		size = 1
	}
	ms := observedAt.UnixMilli()
	b := ms / size
	if ms%size < 0 {
		b--
	}
	return b
}

// parseIDList parses "1,2,3" (the backend's delivered_to and target
// formats). Non-numeric parts are skipped.
func parseIDList(s string) []int {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			ids = append(ids, n)
		}
	}
	return ids
}

// parseBackendTime parses created_at from the backend. Unparseable
// values fall back to fallback.
func parseBackendTime(s string, fallback time.Time) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}
