// Package logging provides masking of contact values and channel
// credentials before they reach the structured log.
package logging

import "strings"

// SensitiveFields contains config/field names whose values are masked
// in logs.
var SensitiveFields = map[string]bool{
	"password":          true,
	"smtp_password":     true,
	"secret":            true,
	"token":             true,
	"api_key":           true,
	"apikey":            true,
	"auth":              true,
	"authorization":     true,
	"bearer":            true,
	"webhook_url":       true,
	"bot_token":         true,
	"credentials":       true,
	"access_key":        true,
	"secret_access_key": true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveField(fieldName) {
		return MaskedValue
	}
	return value
}

// IsSensitiveField checks if a field name is sensitive.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	if SensitiveFields[lower] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// MaskContact redacts the middle of a contact address so logs retain
// enough context to correlate deliveries without exposing the full
// email address or phone number.
func MaskContact(contact string) string {
	if contact == "" {
		return contact
	}

	// Email: keep the first character of the local part and the domain.
	if at := strings.IndexByte(contact, '@'); at > 0 {
		local := contact[:at]
		domain := contact[at:]
		if len(local) <= 1 {
			return "*" + domain
		}
		return local[:1] + strings.Repeat("*", len(local)-1) + domain
	}

	// Phone number or opaque id: keep the last four characters.
	if len(contact) <= 4 {
		return strings.Repeat("*", len(contact))
	}
	return strings.Repeat("*", len(contact)-4) + contact[len(contact)-4:]
}
