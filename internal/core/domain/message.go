package domain

// PartType discriminates message part payloads.
type PartType string

const (
	PartText PartType = "text"
	PartFile PartType = "file"
	PartTool PartType = "tool"
	PartStep PartType = "step"
)

// Part is one piece of a session message. Only text and file parts survive
// a resend; tool and step parts are host-side artifacts.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	FileURL  string   `json:"fileUrl,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
	Filename string   `json:"filename,omitempty"`
}

// Resendable reports whether the part can be re-issued as user input.
func (p Part) Resendable() bool {
	switch p.Type {
	case PartText:
		return p.Text != ""
	case PartFile:
		return p.FileURL != ""
	default:
		return false
	}
}

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one entry of a session's history as returned by the host.
type Message struct {
	ID    string      `json:"id"`
	Role  MessageRole `json:"role"`
	Parts []Part      `json:"parts"`
}

// ResendableParts filters the parts that survive a resend.
func (m *Message) ResendableParts() []Part {
	var parts []Part
	for _, p := range m.Parts {
		if p.Resendable() {
			parts = append(parts, p)
		}
	}
	return parts
}
