package models

import "time"

type User struct {
	ID        int64
	Login     string
	LastLogin time.Time
	PublicKey string
}

// ActiveUser is a row of the online table, filled on login and cleared on logout.
type ActiveUser struct {
	Login     string
	IP        string
	Port      int
	LoginTime time.Time
}

type LoginRecord struct {
	Login string
	Time  time.Time
	IP    string
	Port  int
}

// MessageStats counts messages a user has sent and received through the server.
type MessageStats struct {
	Login     string
	LastLogin time.Time
	Sent      int
	Accepted  int
}
