package store

import "time"

type User struct {
	ID          int64
	Email       string
	DisplayName string
	GoogleSub   *string
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

type Thread struct {
	ID        int64
	ThreadKey string
	CreatedAt time.Time
}

type Message struct {
	ID        int64
	ThreadID  int64
	ThreadKey string
	ClientID  string
	Content   string
	CreatedAt time.Time
}
