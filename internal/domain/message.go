package domain

import "time"

// Message is an item fetched from the chat platform.
type Message struct {
	ID          string
	GroupID     string
	SenderID    string
	SenderName  string
	Text        string
	Attachments []Attachment
	CreatedAt   time.Time
}

// Attachment describes non-text message content.
type Attachment struct {
	Type string
	URL  string
}

// Verdict is the classifier output for one message.
type Verdict struct {
	Flagged    bool
	Confidence float64
}
