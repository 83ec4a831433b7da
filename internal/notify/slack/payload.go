package slack

import "trellis/internal/notify"

// Payload is the body posted to an incoming webhook. Text and Attachments are
// always present; the rest is omitted when empty.
type Payload struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments"`
	Username    string       `json:"username,omitempty"`
	IconEmoji   string       `json:"icon_emoji,omitempty"`
	Channel     string       `json:"channel,omitempty"`
}

type Attachment struct {
	Color     string  `json:"color,omitempty"`
	Title     string  `json:"title,omitempty"`
	Text      string  `json:"text,omitempty"`
	TitleLink string  `json:"title_link,omitempty"`
	Fields    []Field `json:"fields,omitempty"`
}

type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// BuildPayload maps a message to the webhook payload. Every attachment takes
// the message colour; fields keep their order and are always short.
func BuildPayload(msg *notify.SlackMessage) Payload {
	p := Payload{Attachments: []Attachment{}}
	if msg == nil {
		return p
	}
	p.Text = msg.Content
	p.Username = msg.Username
	p.IconEmoji = msg.Icon
	p.Channel = msg.Channel

	color := msg.Color()
	for _, a := range msg.Attachments {
		out := Attachment{
			Color:     color,
			Title:     a.Title,
			Text:      a.Content,
			TitleLink: a.URL,
		}
		if len(a.Fields) > 0 {
			out.Fields = make([]Field, 0, len(a.Fields))
			for _, f := range a.Fields {
				out.Fields = append(out.Fields, Field{Title: f.Title, Value: f.Value, Short: true})
			}
		}
		p.Attachments = append(p.Attachments, out)
	}
	return p
}
