// Package notify is the boundary to the voice/SMS delivery collaborator.
// Delivery failures are reported to the caller for logging but never block
// or roll back the alarm state transition that produced them.
package notify

import "context"

// Delivery channels.
const (
	ChannelSMS   = "sms"
	ChannelVoice = "voice"
)

// Payload is the message to deliver. Body is the SMS text; Script and
// GatherURL drive the voice channel (spoken text plus where entered digits
// are posted back).
type Payload struct {
	Body      string
	Script    string
	GatherURL string
}

// Dispatcher delivers a payload to an address on a channel and returns the
// provider's delivery reference.
type Dispatcher interface {
	Deliver(ctx context.Context, channel, address string, p Payload) (ref string, err error)
}
