package sink

import (
	"fmt"
	"strings"
)

// handleValue packs a Discord channel+message id pair into one opaque
// Handle — Discord's edit call needs both, but Sink only hands callers a
// single token.
func handleValue(channelID, messageID string) Handle {
	return Handle(channelID + ":" + messageID)
}

func parseHandle(h Handle) (channelID, messageID string, err error) {
	parts := strings.SplitN(string(h), ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("sink/discord: malformed handle %q", h)
	}
	return parts[0], parts[1], nil
}
