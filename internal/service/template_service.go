// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/smsleopard-messaging/internal/model"
)

// UnsubscribeFooter is appended to campaign messages that do not already
// tell the recipient how to stop.
const UnsubscribeFooter = "Reply STOP to unsubscribe."

// templateTokens is the closed set of placeholders a template may use.
var templateTokens = []string{"name", "first_name", "address"}

func RenderTemplate(template string, data map[string]string) string {
	result := template
	for _, k := range templateTokens {
		result = strings.ReplaceAll(result, "{"+k+"}", data[k])
	}
	return result
}

// RecipientTokens maps a recipient to the template tokens. Missing values
// render as empty strings.
func RecipientTokens(r *model.Recipient) map[string]string {
	return map[string]string{
		"name":       r.Name(),
		"first_name": r.FirstName,
		"address":    r.Address,
	}
}

// RenderMessage renders a campaign body for one recipient, including the
// unsubscribe instructions.
func RenderMessage(template string, r *model.Recipient) string {
	return WithUnsubscribe(RenderTemplate(template, RecipientTokens(r)))
}

// stopInstructions are the phrases that already tell a recipient how to opt
// out. A bare "stop" ("stop by our store") is not one.
var stopInstructions = []string{"REPLY STOP", "TEXT STOP", "SEND STOP"}

func hasStopInstruction(body string) bool {
	upper := strings.ToUpper(strings.Join(strings.Fields(body), " "))
	for _, p := range stopInstructions {
		if strings.Contains(upper, p) {
			return true
		}
	}
	return false
}

// WithUnsubscribe appends UnsubscribeFooter unless the body already carries
// stop instructions.
func WithUnsubscribe(body string) string {
	if hasStopInstruction(body) {
		return body
	}
	body = strings.TrimRight(body, " \n")
	if body == "" {
		return UnsubscribeFooter
	}
	return body + "\n" + UnsubscribeFooter
}
