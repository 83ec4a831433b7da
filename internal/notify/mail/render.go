// Package mail renders notifications as plain-text e-mail and sends them over
// SMTP.
package mail

import (
	"strings"

	"trellis/internal/notify"
)

// Translator looks up a localized line by dotted key.
type Translator interface {
	Translate(key string, subs map[string]string) string
}

const (
	keyGreeting      = "mails.default.greeting"
	keyErrorGreeting = "mails.default.error_greeting"
	keySalutation    = "mails.default.salutation"
)

// RenderPlain renders the fixed plain-text layout: greeting, intro lines,
// action, outro lines and salutation, separated by blank lines. Empty
// sections are skipped.
func RenderPlain(msg *notify.MailMessage, tr Translator, appName string) string {
	if msg == nil {
		msg = &notify.MailMessage{}
	}
	var b strings.Builder

	switch {
	case msg.Greeting != "":
		b.WriteString(msg.Greeting)
	case msg.Level == notify.LevelError:
		b.WriteString(tr.Translate(keyErrorGreeting, nil))
	default:
		b.WriteString(tr.Translate(keyGreeting, nil))
	}
	b.WriteString("\n\n")

	if len(msg.IntroLines) > 0 {
		b.WriteString(strings.Join(msg.IntroLines, "\n"))
		b.WriteString("\n\n")
	}
	if msg.HasAction() {
		b.WriteString(msg.ActionText)
		b.WriteString(": ")
		b.WriteString(msg.ActionURL)
		b.WriteString("\n\n")
	}
	if len(msg.OutroLines) > 0 {
		b.WriteString(strings.Join(msg.OutroLines, "\n"))
		b.WriteString("\n\n")
	}

	b.WriteString(tr.Translate(keySalutation, map[string]string{"appName": appName}))
	return b.String()
}

// localized pins a translator that knows several languages to one of them.
type localized struct {
	tr interface {
		TranslateIn(lang, key string, subs map[string]string) string
	}
	lang string
}

func (l localized) Translate(key string, subs map[string]string) string {
	return l.tr.TranslateIn(l.lang, key, subs)
}

// forLocale returns tr bound to lang when tr can translate per language.
func forLocale(tr Translator, lang string) Translator {
	if lang == "" {
		return tr
	}
	if m, ok := tr.(interface {
		TranslateIn(lang, key string, subs map[string]string) string
	}); ok {
		return localized{tr: m, lang: lang}
	}
	return tr
}
