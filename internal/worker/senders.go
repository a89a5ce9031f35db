package worker

import (
	"context"
	"errors"
)

// Sender is the interface every delivery channel implements.
// Implementations: email (SES), sms (SNS), push (Expo-compatible gateway).
type Sender interface {
	Send(ctx context.Context, d *Delivery) error
	SupportsChannel(channel string) bool
}

// Delivery is one message addressed to one recipient on one channel.
type Delivery struct {
	// ID identifies what is being delivered (notification or campaign
	// recipient) and is used for logging and provider-side dedupe.
	ID      string
	Channel string
	// To is an email address, an E.164 phone number or a push token,
	// depending on the channel.
	To      string
	Subject string
	Body    string
	Data    map[string]string
}

// ErrMissingAddress is returned when a delivery has no destination.
var ErrMissingAddress = errors.New("delivery has no destination address")
