package tawk

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// SystemMessagePrefix marks automatic messages that must not be answered.
const SystemMessagePrefix = "[Sistema]"

// DefaultVisitorName is used when the widget does not report a name.
const DefaultVisitorName = "Visitante"

// WebhookPayload is the subset of a Tawk.to webhook the relay consumes.
// Pointer fields distinguish "absent" from "empty".
type WebhookPayload struct {
	Event    string           `json:"event,omitempty"`
	ChatID   string           `json:"chatId,omitempty"`
	Time     string           `json:"time,omitempty"`
	Message  *PayloadMessage  `json:"message,omitempty"`
	Visitor  *PayloadVisitor  `json:"visitor,omitempty"`
	Property *PayloadProperty `json:"property,omitempty"`
}

type PayloadMessage struct {
	ID     string  `json:"id,omitempty"`
	Text   *string `json:"text,omitempty"`
	Type   string  `json:"type,omitempty"`
	Sender string  `json:"sender,omitempty"`
}

type PayloadVisitor struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type PayloadProperty struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// InboundMessage is the normalized, read-only view of a visitor message.
type InboundMessage struct {
	Text           string
	MessageID      string
	VisitorID      string
	VisitorName    string
	VisitorEmail   string
	ConversationID string
	PropertyID     string
	ReceivedAt     time.Time
}

// ValidationError names the payload field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("campo %q %s", e.Field, e.Reason)
}

var (
	ErrEmptyPayload       = &ValidationError{Field: "payload", Reason: "vacío"}
	ErrMissingMessage     = &ValidationError{Field: "message", Reason: "faltante"}
	ErrMissingMessageText = &ValidationError{Field: "message.text", Reason: "faltante"}
	ErrMissingVisitor     = &ValidationError{Field: "visitor", Reason: "faltante"}
)

// ParsePayload decodes a raw webhook body. A JSON null yields ErrEmptyPayload.
func ParsePayload(body []byte) (*WebhookPayload, error) {
	var p *WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding webhook payload: %w", err)
	}
	if p == nil {
		return nil, ErrEmptyPayload
	}
	return p, nil
}

// Validate checks the required fields and returns the first missing one.
func Validate(p *WebhookPayload) error {
	if p == nil {
		return ErrEmptyPayload
	}
	if p.Message == nil {
		return ErrMissingMessage
	}
	if p.Message.Text == nil || *p.Message.Text == "" {
		return ErrMissingMessageText
	}
	if p.Visitor == nil {
		return ErrMissingVisitor
	}
	return nil
}

// Decision explains why a valid payload is or is not answered.
type Decision struct {
	Process bool
	Reason  string
}

// IsVisitorMessage infers authorship. An explicit sender tag wins over the
// message type; a message with neither is treated as coming from the visitor.
func IsVisitorMessage(p *WebhookPayload) bool {
	if p == nil || p.Message == nil {
		return false
	}
	if p.Message.Sender != "" {
		return strings.EqualFold(p.Message.Sender, "visitor")
	}
	if p.Message.Type != "" {
		return strings.EqualFold(p.Message.Type, "visitor")
	}
	return true
}

// ShouldProcess filters messages that are valid but must not be answered.
func ShouldProcess(p *WebhookPayload) Decision {
	if !IsVisitorMessage(p) {
		return Decision{Reason: "Mensaje no es del visitante"}
	}
	text := ""
	if p.Message.Text != nil {
		text = *p.Message.Text
	}
	if strings.TrimSpace(text) == "" {
		return Decision{Reason: "Mensaje vacío"}
	}
	if strings.HasPrefix(text, SystemMessagePrefix) {
		return Decision{Reason: "Mensaje del sistema"}
	}
	return Decision{Process: true}
}

// Extract builds the InboundMessage. It assumes Validate passed and never
// fails on absent optional fields.
func Extract(p *WebhookPayload) InboundMessage {
	msg := InboundMessage{
		ConversationID: p.ChatID,
		ReceivedAt:     time.Now().UTC(),
		VisitorName:    DefaultVisitorName,
	}
	if p.Message != nil {
		msg.MessageID = p.Message.ID
		if p.Message.Text != nil {
			msg.Text = *p.Message.Text
		}
	}
	if p.Visitor != nil {
		msg.VisitorID = p.Visitor.ID
		msg.VisitorEmail = p.Visitor.Email
		if p.Visitor.Name != "" {
			msg.VisitorName = p.Visitor.Name
		}
	}
	if p.Property != nil {
		msg.PropertyID = p.Property.ID
	}
	if p.Time != "" {
		if ts, err := time.Parse(time.RFC3339, p.Time); err == nil {
			msg.ReceivedAt = ts.UTC()
		}
	}
	return msg
}
