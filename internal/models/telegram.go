package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// Notification is an overdue-backup warning for one instance.
type Notification struct {
	Instance    int
	Repository  string
	Destination string
	LastSuccess time.Time // zero if never
	MaxAge      int
	Details     string
}
