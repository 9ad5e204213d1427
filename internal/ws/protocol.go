package ws

import (
	"github.com/stream-relay/backend/internal/session"
)

type SessionsPayload struct {
	Count    int            `json:"count"`
	Sessions []session.Info `json:"sessions"`
}

type DispatchPayload struct {
	ID      string          `json:"id"`
	Command session.Command `json:"command"`
	Found   bool            `json:"found"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}
