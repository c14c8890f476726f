// Package notify abstracts permission prompts and user-visible
// notifications. The session core calls it on inbound events; failures are
// never surfaced.
package notify

import (
	"context"
	"log"
)

// Gateway requests notification permission and shows notifications.
type Gateway interface {
	// RequestPermission asks the host for permission to notify. Returns
	// whether permission is granted.
	RequestPermission(ctx context.Context) (bool, error)

	// Show raises a notification. Implementations decide how (system
	// notification, terminal bell, log line).
	Show(title, body string) error
}

// LogGateway writes notifications to the process log. It is the default
// gateway for headless hosts and always grants permission.
type LogGateway struct{}

func (LogGateway) RequestPermission(ctx context.Context) (bool, error) { return true, nil }

func (LogGateway) Show(title, body string) error {
	log.Printf("[notify] %s: %s", title, body)
	return nil
}

// NopGateway drops everything and denies permission. Useful in tests that
// do not care about notifications.
type NopGateway struct{}

func (NopGateway) RequestPermission(ctx context.Context) (bool, error) { return false, nil }
func (NopGateway) Show(title, body string) error                       { return nil }
