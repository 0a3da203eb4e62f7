package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var roomIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

// RoomID checks the caller-supplied room identifier at the signaling boundary.
func RoomID(id string) error {
	if id == "" {
		return fmt.Errorf("room id must not be empty")
	}
	if !roomIDPattern.MatchString(id) {
		return fmt.Errorf("room id must be 1-100 alphanumeric, dash or underscore characters")
	}
	return nil
}

// SDP performs a shape check on a session description before it is relayed.
// The registry never interprets SDP; this only rejects obvious garbage.
func SDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("sdp must not be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid sdp: must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid sdp: missing required field %q", field)
		}
	}
	return nil
}

// ICECandidate checks a relayed candidate line is present.
func ICECandidate(candidate string) error {
	if candidate == "" {
		return fmt.Errorf("ice candidate must not be empty")
	}
	return nil
}
