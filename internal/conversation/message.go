package conversation

// Message roles within a conversation record.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessageImage is an image attachment carried inline as a data URL.
type MessageImage struct {
	Data   string `json:"data"`
	Name   string `json:"name,omitempty"`
	Mime   string `json:"mime,omitempty"`
	Size   int64  `json:"size,omitempty"`
	IsFile bool   `json:"isFile"`
}

// Message is one turn in the rolling conversation record. Assistant
// turns carry both the display text and the marker-annotated text the
// classification step works on.
type Message struct {
	Role            string        `json:"role"`
	Text            string        `json:"text"`
	TextWithMarkers string        `json:"textWithMarkers,omitempty"`
	Image           *MessageImage `json:"image,omitempty"`
}

// Turn is the pair of texts produced by one completed stream.
type Turn struct {
	UserText             string
	UserImage            *MessageImage
	AssistantText        string
	AssistantWithMarkers string
}

// appendTurn extends an existing message list with one user/assistant
// exchange. A nil existing list on a brand-new conversation is seeded
// with the tenant's first message as an assistant turn.
func appendTurn(existing []Message, firstMessage string, turn Turn) []Message {
	messages := existing
	if messages == nil && firstMessage != "" {
		messages = []Message{{Role: RoleAssistant, Text: firstMessage, TextWithMarkers: firstMessage}}
	}

	messages = append(messages, Message{
		Role:  RoleUser,
		Text:  turn.UserText,
		Image: turn.UserImage,
	})
	messages = append(messages, Message{
		Role:            RoleAssistant,
		Text:            turn.AssistantText,
		TextWithMarkers: turn.AssistantWithMarkers,
	})
	return messages
}

// transcript renders the message list as plain text for the
// classification call.
func transcript(messages []Message) string {
	var out []byte
	for _, m := range messages {
		out = append(out, m.Role...)
		out = append(out, ": "...)
		out = append(out, m.Text...)
		out = append(out, '\n')
	}
	return string(out)
}
