package model

// Live feed message types.
const (
	LiveSnapshot = "snapshot"
	LiveError    = "error"
)

// LiveMessage is one frame on the live feed websocket. A snapshot carries
// the complete current head window, newest first; an error frame precedes
// a close initiated by the server.
type LiveMessage struct {
	Type    string `json:"type"`
	Posts   []Post `json:"posts,omitempty"`
	Message string `json:"message,omitempty"`
}
