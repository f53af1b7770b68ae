package mail

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

// Rendered is a message ready for a Sender.
type Rendered struct {
	ID      string
	Kind    Kind
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

var ErrUnknownKind = errors.New("mail: unknown message kind")

type templatePair struct {
	text *texttemplate.Template
	html *htmltemplate.Template
}

var templates = map[Kind]templatePair{
	KindOTP: {
		text: texttemplate.Must(texttemplate.New("otp").Parse(
			"Your VidyaVaradhi verification code is {{.code}}.\n" +
				"It expires in {{.minutes}} minutes. If you did not request it, ignore this email.\n")),
		html: htmltemplate.Must(htmltemplate.New("otp").Parse(
			`<p>Your VidyaVaradhi verification code is</p>` +
				`<p style="font-size:24px;letter-spacing:4px"><strong>{{.code}}</strong></p>` +
				`<p>It expires in {{.minutes}} minutes. If you did not request it, ignore this email.</p>`)),
	},
	KindWelcome: {
		text: texttemplate.Must(texttemplate.New("welcome").Parse(
			"Hello {{.name}},\n\nYour {{.role}} account is ready. Your user ID is {{.userId}}; " +
				"you can sign in with it or with this email address.\n")),
		html: htmltemplate.Must(htmltemplate.New("welcome").Parse(
			`<p>Hello {{.name}},</p>` +
				`<p>Your {{.role}} account is ready. Your user ID is <strong>{{.userId}}</strong>; ` +
				`you can sign in with it or with this email address.</p>`)),
	},
}

// Render fills the templates for msg.Kind.
func Render(from string, msg Message) (Rendered, error) {
	pair, ok := templates[msg.Kind]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
	if msg.To == "" {
		return Rendered{}, errors.New("mail: recipient is required")
	}

	var text, html bytes.Buffer
	if err := pair.text.Execute(&text, msg.Data); err != nil {
		return Rendered{}, fmt.Errorf("mail: render text: %w", err)
	}
	if err := pair.html.Execute(&html, msg.Data); err != nil {
		return Rendered{}, fmt.Errorf("mail: render html: %w", err)
	}

	return Rendered{
		ID:      msg.ID,
		Kind:    msg.Kind,
		From:    from,
		To:      msg.To,
		Subject: msg.Subject,
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
