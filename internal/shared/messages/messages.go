package messages

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Render substitutes {institution} and {count} placeholders.
func (m MessageText) Render(institution string, count int) MessageText {
	r := strings.NewReplacer("{institution}", institution, "{count}", fmt.Sprint(count))
	return MessageText{Title: r.Replace(m.Title), Body: r.Replace(m.Body)}
}

type Messages struct {
	RelinkRequired MessageText `json:"relink_required"`
	SyncComplete   MessageText `json:"sync_complete"`
	LinkRevoked    MessageText `json:"link_revoked"`
}

// Default returns the built-in message texts.
func Default() *Messages {
	return &Messages{
		RelinkRequired: MessageText{
			Title: "Reconnect {institution}",
			Body:  "Your connection to {institution} needs attention. Open the app to link it again.",
		},
		SyncComplete: MessageText{
			Title: "{institution} is up to date",
			Body:  "{count} new transactions were imported.",
		},
		LinkRevoked: MessageText{
			Title: "{institution} disconnected",
			Body:  "{institution} was disconnected and its transactions were removed.",
		},
	}
}

// Load reads the messages JSON file. Keys missing from the file keep their
// default text; an empty path returns the defaults.
func Load(path string) (*Messages, error) {
	msgs := Default()
	if path == "" {
		return msgs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}

	var override Messages
	if err := json.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}

	merge(&msgs.RelinkRequired, override.RelinkRequired)
	merge(&msgs.SyncComplete, override.SyncComplete)
	merge(&msgs.LinkRevoked, override.LinkRevoked)
	return msgs, nil
}

func merge(dst *MessageText, src MessageText) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Body != "" {
		dst.Body = src.Body
	}
}
