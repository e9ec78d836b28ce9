package domain

import "time"

// Mention is an inbound post addressed to the bot.
// InReplyTo, Quoted and Thread may point back into the same graph; run the
// mention through sanitize.Mention before walking them.
type Mention struct {
	ID             string     `json:"id" yaml:"id"`
	Source         string     `json:"source,omitempty" yaml:"source,omitempty"`
	ChatID         string     `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`
	AuthorID       string     `json:"author_id,omitempty" yaml:"author_id,omitempty"`
	AuthorHandle   string     `json:"author_handle" yaml:"author_handle"`
	Text           string     `json:"text" yaml:"text"`
	CreatedAt      time.Time  `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	InReplyToID    string     `json:"in_reply_to_id,omitempty" yaml:"in_reply_to_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	InReplyTo      *Mention   `json:"in_reply_to,omitempty" yaml:"in_reply_to,omitempty"`
	Quoted         *Mention   `json:"quoted,omitempty" yaml:"quoted,omitempty"`
	Thread         []*Mention `json:"thread,omitempty" yaml:"thread,omitempty"`

	// Stub marks a node whose references were elided by the sanitizer.
	Stub bool `json:"stub,omitempty" yaml:"stub,omitempty"`
}

// Reply is the user-safe text sent back for one mention.
type Reply struct {
	MentionID string
	Text      string
}
