// Package notify delivers cage alerts to owners over SMS and email.
package notify

import (
	"context"
	"errors"
)

var (
	// ErrDisabled is returned by senders for channels that are switched off.
	ErrDisabled = errors.New("channel disabled")
	// ErrInvalidRecipient means the phone number or address can never be delivered to.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrRejected means the provider refused the request (bad credentials, quota).
	ErrRejected = errors.New("rejected by provider")
)

// SMSSender sends one text message to a list of phone numbers.
type SMSSender interface {
	Send(ctx context.Context, phones []string, message string) error
}

// Mailer sends one HTML email.
type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrDisabled) || errors.Is(err, ErrInvalidRecipient) || errors.Is(err, ErrRejected)
}

type DisabledSMS struct{}

func (DisabledSMS) Send(context.Context, []string, string) error { return ErrDisabled }

type DisabledMailer struct{}

func (DisabledMailer) Send(context.Context, string, string, string) error { return ErrDisabled }
