package notify

// SlackMessage is the content of a Slack webhook notification.
type SlackMessage struct {
	Level       Level             `json:"level,omitempty"`
	Username    string            `json:"username,omitempty"`
	Icon        string            `json:"icon,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	Content     string            `json:"content"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is one attachment block. Fields keep their order.
type SlackAttachment struct {
	Title   string       `json:"title,omitempty"`
	URL     string       `json:"url,omitempty"`
	Content string       `json:"content,omitempty"`
	Fields  []SlackField `json:"fields,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

// Color returns the attachment colour for the message level ("" for info).
func (m *SlackMessage) Color() string {
	switch m.Level {
	case LevelSuccess:
		return "good"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "danger"
	default:
		return ""
	}
}

// Attach appends an attachment and returns it for further edits.
func (m *SlackMessage) Attach(title, content string) *SlackAttachment {
	m.Attachments = append(m.Attachments, SlackAttachment{Title: title, Content: content})
	return &m.Attachments[len(m.Attachments)-1]
}

// Field appends a short field to the attachment.
func (a *SlackAttachment) Field(title, value string) *SlackAttachment {
	a.Fields = append(a.Fields, SlackField{Title: title, Value: value})
	return a
}

// MailMessage is the content of a plain-text e-mail notification.
//
// Lines added before the action go to IntroLines, lines added after it go to
// OutroLines.
type MailMessage struct {
	Level      Level    `json:"level,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Greeting   string   `json:"greeting,omitempty"`
	IntroLines []string `json:"intro_lines,omitempty"`
	ActionText string   `json:"action_text,omitempty"`
	ActionURL  string   `json:"action_url,omitempty"`
	OutroLines []string `json:"outro_lines,omitempty"`
}

// Line adds a paragraph, before or after the action depending on whether an
// action was already set.
func (m *MailMessage) Line(s string) *MailMessage {
	if m.ActionText == "" {
		m.IntroLines = append(m.IntroLines, s)
	} else {
		m.OutroLines = append(m.OutroLines, s)
	}
	return m
}

func (m *MailMessage) Action(text, url string) *MailMessage {
	m.ActionText, m.ActionURL = text, url
	return m
}

// HasAction reports whether the action line is rendered.
func (m *MailMessage) HasAction() bool { return m.ActionText != "" }
