// Package ws provides the WebSocket transport for the Polymarket CLOB feeds:
// a minimal connection abstraction, its gorilla/websocket implementation, and
// the frame parser shared by the market and user channels.
package ws

import (
	"encoding/json"

	"github.com/johan/polymarket-stream/pkg/types"
)

const (
	// MarketURL is the WebSocket URL for the public CLOB market feed.
	MarketURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	// UserURL is the WebSocket URL for the authenticated user feed.
	UserURL = "wss://ws-subscriptions-clob.polymarket.com/ws/user"
)

// marketSubscription is the first text frame sent on a market connection.
type marketSubscription struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// userSubscription is the first text frame sent on a user connection.
// Markets stays empty: the upstream then returns every event for the
// authenticated user across all of that user's markets.
type userSubscription struct {
	Markets []string   `json:"markets"`
	Type    string     `json:"type"`
	Auth    types.Auth `json:"auth"`
}

// MarketSubscribeFrame serializes the subscription frame for a set of asset ids.
func MarketSubscribeFrame(assetIDs []string) ([]byte, error) {
	return json.Marshal(marketSubscription{
		AssetsIDs: assetIDs,
		Type:      "market",
	})
}

// UserSubscribeFrame serializes the subscription frame for the user channel.
func UserSubscribeFrame(auth types.Auth) ([]byte, error) {
	return json.Marshal(userSubscription{
		Markets: []string{},
		Type:    "user",
		Auth:    auth,
	})
}
