package ws

import (
	"encoding/json"
	"fmt"

	"github.com/johan/polymarket-stream/pkg/types"
)

// pongFrame is the literal text frame the upstream sends in response to
// pings during handler reattachment windows. It is not JSON and is swallowed
// before parsing.
const pongFrame = "PONG"

// IsPong reports whether data is the upstream's literal PONG text frame.
func IsPong(data []byte) bool {
	return string(trimWhitespace(data)) == pongFrame
}

// ParseMarket parses a market-channel payload. The feed sends either a JSON
// array or a single object; both normalize to a slice.
func ParseMarket(data []byte) ([]types.MarketMessage, error) {
	data = trimWhitespace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var messages []types.MarketMessage
		if err := json.Unmarshal(data, &messages); err != nil {
			return nil, fmt.Errorf("parsing market message array: %w (data: %s)", err, truncate(data, 100))
		}
		return messages, nil
	}

	var msg types.MarketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parsing market message: %w (data: %s)", err, truncate(data, 100))
	}
	return []types.MarketMessage{msg}, nil
}

// ParseUser parses a user-channel payload with the same object-or-array
// normalization as ParseMarket.
func ParseUser(data []byte) ([]types.UserMessage, error) {
	data = trimWhitespace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var messages []types.UserMessage
		if err := json.Unmarshal(data, &messages); err != nil {
			return nil, fmt.Errorf("parsing user message array: %w (data: %s)", err, truncate(data, 100))
		}
		return messages, nil
	}

	var msg types.UserMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parsing user message: %w (data: %s)", err, truncate(data, 100))
	}
	return []types.UserMessage{msg}, nil
}

// trimWhitespace removes leading whitespace from a byte slice.
func trimWhitespace(data []byte) []byte {
	for len(data) > 0 && (data[0] == ' ' || data[0] == '\t' || data[0] == '\n' || data[0] == '\r') {
		data = data[1:]
	}
	return data
}

// truncate truncates a byte slice to a maximum length for error messages.
func truncate(data []byte, maxLen int) string {
	if len(data) <= maxLen {
		return string(data)
	}
	return string(data[:maxLen]) + "..."
}
