package utils

import (
	"html"
	"strings"

	"cadencely/models"
)

// RenderTemplate substitutes {{merge_field}} placeholders with contact data.
// Unknown fields are left untouched so typos stay visible in previews.
// Contact values are HTML-escaped when the template itself is markup.
func RenderTemplate(tmpl string, contact *models.Contact) string {
	if tmpl == "" || contact == nil || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	esc := func(s string) string { return s }
	if LooksLikeHTML(tmpl) {
		esc = html.EscapeString
	}
	r := strings.NewReplacer(
		"{{first_name}}", esc(contact.FirstName),
		"{{last_name}}", esc(contact.LastName),
		"{{full_name}}", esc(contact.FullName()),
		"{{email}}", esc(contact.Email),
		"{{title}}", esc(contact.Title),
		"{{company}}", esc(contact.Company),
		"{{ first_name }}", esc(contact.FirstName),
		"{{ last_name }}", esc(contact.LastName),
		"{{ company }}", esc(contact.Company),
	)
	return r.Replace(tmpl)
}

// LooksLikeHTML reports whether a body carries block-level markup.
func LooksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "<p") ||
		strings.Contains(lower, "<br") ||
		strings.Contains(lower, "<div") ||
		strings.Contains(lower, "<html")
}
