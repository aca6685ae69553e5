package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for a task summary.
type TelegramMessage struct {
	Host        string
	OpType      OpType
	TargetType  TargetType
	Destination string
	StartTime   time.Time
	Duration    time.Duration

	TotalCount     int
	SuccessCount   int
	FailureCount   int
	RawBytes       int64
	AvailableBytes int64
	FailedItems    []string

	// Set when the run stopped before finishing.
	ErrorMessage string
}

// Success reports whether every item finished without error.
func (m TelegramMessage) Success() bool {
	return m.ErrorMessage == "" && m.FailureCount == 0
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
