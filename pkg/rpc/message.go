// Package rpc carries the wire envelope and socket plumbing shared by the
// duplication shipper, the split protocol, and the coordinator client.
// Payload schemas live with their owning packages; transport is mangos.
package rpc

import (
	"encoding/json"
	"time"
)

// MessageType identifies the payload carried by a Message.
type MessageType uint8

const (
	// Duplication
	MsgShipMutations MessageType = iota
	MsgShipAck
	MsgDuplicationSync

	// Partition split
	MsgNotifyCatchUp
	MsgNotifyCatchUpReply
	MsgRegisterChild
	MsgRegisterChildReply

	// Errors
	MsgError
)

// Message is the base wire envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      []byte      `json:"data,omitempty"`
}

// NewMessage creates a new message with the given type and data
func NewMessage(msgType MessageType, data any) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().Unix(),
		Data:      dataBytes,
	}, nil
}

// Decode decodes message data into the provided interface
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Encode serializes the envelope itself.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeEnvelope parses raw bytes into a Message envelope.
func DecodeEnvelope(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ErrorReply is the payload of MsgError responses.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}
