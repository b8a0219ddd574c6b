package main

import "time"

// Roles assignable to a user account.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleGuest = "guest"
)

// User represents a user account. Tokens holds the currently valid refresh
// tokens, one per logged-in device, capped at the configured session limit.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	Tokens       []string
	CreatedAt    time.Time
}

// Item represents an inventory row.
type Item struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Identity is the resolved caller of a protected request.
type Identity struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}
