package escalation

import (
	"fmt"
	"strings"
)

var attemptTemplates = map[int]string{
	1: "Hi %s, we just tried you for your daily check-in. Give us a call back when you can.",
	2: "Hi %s, we still haven't heard from you today. Please check in as soon as possible.",
	3: "Hi %s, this is our final reminder today. Please check in now so we know you're okay.",
}

const fallbackTemplate = "Hi %s, please check in as soon as you can."

// Message returns the notification text for an attempt. Every attempt number has a message.
func Message(attempt int, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "there"
	}
	tmpl, ok := attemptTemplates[attempt]
	if !ok {
		tmpl = fallbackTemplate
	}
	return fmt.Sprintf(tmpl, name)
}
