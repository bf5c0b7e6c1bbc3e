package domain

import "time"

// ServerStatus reports whether a worker is reachable.
type ServerStatus string

const (
	ServerOnline  ServerStatus = "online"
	ServerOffline ServerStatus = "offline"
)

// Server is a worker node registered through the join handshake.
type Server struct {
	ID         string
	Name       string
	IPAddress  string
	Status     ServerStatus
	SecretKey  []byte
	LastSeenAt *time.Time
	CreatedAt  time.Time
}
