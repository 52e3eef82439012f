// Package v1 defines the presence push protocol consumed by the agent.
//
// The server pushes JSON text frames; the client never sends application data.
// This package is dependency-light so tools and tests can share it.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Path is the default presence endpoint path on the docs server.
const Path = "/ws/online-users/"

// Type constants (wire-stable).
const (
	// TypeOnlineUsers carries the complete list of currently connected users.
	TypeOnlineUsers = "online_users"
)

// Message is the wire wrapper pushed by the presence endpoint.
type Message struct {
	Type  string       `json:"type"`
	Users []OnlineUser `json:"users"`
}

// OnlineUser is one entry of the online users list.
type OnlineUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Decode parses one presence frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode presence message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks the envelope fields every message must carry.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Type) == "" {
		return errors.New("missing type")
	}
	if m.Type == TypeOnlineUsers {
		for i, u := range m.Users {
			if strings.TrimSpace(u.Username) == "" {
				return fmt.Errorf("users[%d]: missing username", i)
			}
		}
	}
	return nil
}

// CloneUsers returns a copy of users that shares no backing array.
func CloneUsers(users []OnlineUser) []OnlineUser {
	if users == nil {
		return nil
	}
	out := make([]OnlineUser, len(users))
	copy(out, users)
	return out
}
