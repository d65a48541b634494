package connection

import (
	"encoding/json"
	"time"
)

// Reply shapes for server-initiated messages that are not replication
// traffic. Every builder returns ready-to-send JSON.

// ErrorReply tells a client why its message was refused.
type ErrorReply struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MarshalError builds an error reply frame.
func MarshalError(code, message string) []byte {
	data, err := json.Marshal(ErrorReply{Type: "error", Code: code, Message: message})
	if err != nil {
		return []byte(`{"type":"error","code":"INTERNAL","message":"encoding failure"}`)
	}
	return data
}

// PongReply answers application-level heartbeats with the server clock.
type PongReply struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"ts"`
}

// MarshalPong builds a heartbeat answer.
func MarshalPong() []byte {
	data, _ := json.Marshal(PongReply{Type: "pong", Timestamp: time.Now().UnixMilli()})
	return data
}

// AuthReply reports the outcome of an authentication attempt.
type AuthReply struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	PlayerID  string `json:"player_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// MarshalAuthResult builds an authentication outcome frame.
func MarshalAuthResult(status string, playerID string) []byte {
	data, _ := json.Marshal(AuthReply{
		Type:      "auth_result",
		Status:    status,
		PlayerID:  playerID,
		Timestamp: time.Now().UnixMilli(),
	})
	return data
}

// ReplayReply reports how much of a replay request could be served.
type ReplayReply struct {
	Type      string `json:"type"`
	Resent    int    `json:"resent"`
	From      uint32 `json:"from"`
	To        uint32 `json:"to"`
	Timestamp int64  `json:"timestamp"`
}

// MarshalReplayResult builds a replay outcome frame.
func MarshalReplayResult(resent int, from, to uint32) []byte {
	data, _ := json.Marshal(ReplayReply{
		Type:      "replay_result",
		Resent:    resent,
		From:      from,
		To:        to,
		Timestamp: time.Now().UnixMilli(),
	})
	return data
}
