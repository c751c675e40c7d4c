package domain

import "time"

// NotificationVariant styles a user-facing notification.
type NotificationVariant string

const (
	VariantInfo    NotificationVariant = "info"
	VariantSuccess NotificationVariant = "success"
	VariantWarning NotificationVariant = "warning"
	VariantError   NotificationVariant = "error"
)

// Notification is a best-effort user-facing message. Nothing in the fallback
// flow depends on its delivery.
type Notification struct {
	ID       string              `json:"id"`
	Title    string              `json:"title"`
	Message  string              `json:"message"`
	Variant  NotificationVariant `json:"variant"`
	Duration time.Duration       `json:"duration"`
}
