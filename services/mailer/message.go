package mailer

import (
	"fmt"
	"strings"
	"time"
)

// Message is a plain text mail.
type Message struct {
	To      string
	Subject string
	Body    string
}

// String renders the message as the transfer agent expects it on stdin.
func (m Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\n", m.Subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\n\n")
	b.WriteString(m.Body)
	if !strings.HasSuffix(m.Body, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// Link describes a registration link mail.
type Link struct {
	To       string
	Network  string
	BaseURL  string
	Token    string
	Validity time.Duration
}

// ComposeLink renders the registration link mail.
func ComposeLink(l Link) Message {
	url := strings.TrimRight(l.BaseURL, "/") + "/" + l.Token
	body := fmt.Sprintf(`Use the following link to create or reset an IRC account on %s:

    %s

This link will be valid for %s.
`, l.Network, url, HumanDuration(l.Validity))

	return Message{
		To:      l.To,
		Subject: fmt.Sprintf("[RegServ] Registration Link for %s", l.Network),
		Body:    body,
	}
}

// HumanDuration spells d out in hours and minutes, e.g. "1 hour" or "2 hours and 30 minutes".
// Durations under a minute are shown in seconds.
func HumanDuration(d time.Duration) string {
	if d < time.Minute {
		return plural(int(d.Round(time.Second)/time.Second), "second")
	}
	d = d.Round(time.Minute)
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)

	switch {
	case hours == 0:
		return plural(minutes, "minute")
	case minutes == 0:
		return plural(hours, "hour")
	default:
		return plural(hours, "hour") + " and " + plural(minutes, "minute")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
