// Package gateway defines the outbound messaging surface the engines consume.
// The core never learns the transport; the Telegram adapter lives in a
// subpackage and anything implementing Gateway can stand in for tests.
package gateway

import (
	"context"
	"errors"
)

// ErrPermanent marks a delivery failure that will not succeed on retry
// (blocked bot, deleted account, unknown recipient). Engines record and skip
// these instead of retrying.
var ErrPermanent = errors.New("gateway: permanent delivery failure")

// Resource identifies one managed private resource.
type Resource string

const (
	ResourceChannel Resource = "channel"
	ResourceChat    Resource = "chat"
)

// Block is one unit of outbound content. A block with a PhotoURL is sent as a
// photo (Text becomes the caption); otherwise it is a text message. A button,
// when set, rides along as an inline URL keyboard.
type Block struct {
	Text     string `json:"text,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`

	ButtonText string `json:"button_text,omitempty"`
	ButtonURL  string `json:"button_url,omitempty"`
}

// Message is an ordered sequence of blocks delivered to one recipient.
type Message struct {
	Blocks []Block
}

// Text is a convenience constructor for a single-block text message.
func Text(text string) Message {
	return Message{Blocks: []Block{{Text: text}}}
}

// Gateway sends messages and manages private-resource membership.
type Gateway interface {
	// Send delivers one block to one recipient.
	Send(ctx context.Context, recipientID int64, block Block) error

	// RevokeMembership removes a recipient from a managed resource.
	RevokeMembership(ctx context.Context, recipientID int64, res Resource) error

	// GrantMembershipLink returns a single-use invite handle for a resource.
	GrantMembershipLink(ctx context.Context, res Resource) (string, error)
}
