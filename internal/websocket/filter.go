package websocket

import (
	"path"
	"strings"

	"relay-fleet/internal/events"
	relay_errors "relay-fleet/pkg/errors"
)

const fleetChannelPrefix = "channel:fleet:"

// ParseChannels turns a comma separated ?channels= value into subscription
// patterns. An empty value subscribes to every fleet channel.
func ParseChannels(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{events.ChannelPattern}, nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, fleetChannelPrefix) {
			return nil, relay_errors.ErrForbidden
		}
		if _, err := path.Match(p, ""); err != nil {
			return nil, relay_errors.ErrInvalidInput
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{events.ChannelPattern}, nil
	}
	return out, nil
}

func matches(pattern, channel string) bool {
	ok, _ := path.Match(pattern, channel)
	return ok
}
