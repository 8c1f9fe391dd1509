package models

// ReadyPayload is the state snapshot dispatched after a successful Identify
// or Resume. Guild state stays out on purpose: the REST tier serves it and
// clients fetch it after READY.
type ReadyPayload struct {
	User       User      `json:"user"`
	SessionID  string    `json:"session_id"`
	DMChannels []Channel `json:"dm_channels"`
}
