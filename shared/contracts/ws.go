package contracts

import "time"

// Version of the push frame schema
const WSVersion = 1

type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WSMessage is one frame pushed to a websocket client
type WSMessage[T any] struct {
	Type          string    `json:"type"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlationId,omitempty"`
	EmittedAt     time.Time `json:"emittedAt"`
	Data          T         `json:"data"`
	Error         *WSError  `json:"error,omitempty"`
}

// NewWSMessage stamps a frame with the current schema version and time
func NewWSMessage[T any](msgType, correlationID string, data T) WSMessage[T] {
	return WSMessage[T]{
		Type:          msgType,
		Version:       WSVersion,
		CorrelationID: correlationID,
		EmittedAt:     time.Now().UTC(),
		Data:          data,
	}
}
