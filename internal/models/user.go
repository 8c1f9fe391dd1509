// Package models holds the data shapes shared across the engine: users,
// channels and the gateway payloads assembled from them.
package models

import "time"

// User is the profile shape embedded in gateway payloads.
type User struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Avatar    *string   `json:"avatar" db:"avatar"`
	Bot       bool      `json:"bot" db:"bot"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
