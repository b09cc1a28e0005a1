package models

import "github.com/google/uuid"

// SignedMessage is a chat message with an ECDSA signature over the UTF-8
// bytes of Text. It is never mutated after creation.
type SignedMessage struct {
	ID              uuid.UUID `json:"id"`
	Text            string    `json:"text"`
	Signature       []byte    `json:"signature"`
	SenderPublicKey []byte    `json:"senderPublicKey"`
	SenderName      string    `json:"senderName"`
}
