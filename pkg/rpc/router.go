package rpc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-replication/pkg/logging"
)

// MessageHandler handles one message type and returns the reply envelope.
type MessageHandler func(data []byte) (*Message, error)

// MessageRouter dispatches request messages to registered handlers.
// It provides a clean way to handle different message types without
// large switch statements.
type MessageRouter struct {
	handlers map[MessageType]MessageHandler
	mu       sync.RWMutex
	logger   logging.Logger
}

// NewMessageRouter creates a new message router.
func NewMessageRouter(logger logging.Logger) *MessageRouter {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &MessageRouter{
		handlers: make(map[MessageType]MessageHandler),
		logger:   logger,
	}
}

// Handle registers a handler for a specific message type.
func (mr *MessageRouter) Handle(msgType MessageType, handler MessageHandler) *MessageRouter {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.handlers[msgType] = handler
	return mr
}

// HandleFunc registers a typed request/reply handler. The request payload is
// decoded into Req before the handler runs; the reply is wrapped into an
// envelope of the given reply type.
func HandleFunc[Req any, Resp any](mr *MessageRouter, msgType, replyType MessageType, handler func(*Req) (*Resp, error)) *MessageRouter {
	return mr.Handle(msgType, func(data []byte) (*Message, error) {
		var req Req
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		resp, err := handler(&req)
		if err != nil {
			return nil, err
		}
		return NewMessage(replyType, resp)
	})
}

// Dispatch routes a request to its handler and returns the reply envelope.
// Handler errors are converted to MsgError replies so the caller always gets
// an answer.
func (mr *MessageRouter) Dispatch(msg *Message) *Message {
	mr.mu.RLock()
	handler, ok := mr.handlers[msg.Type]
	mr.mu.RUnlock()

	if !ok {
		return errorReply(fmt.Sprintf("no handler for message type %d", msg.Type))
	}

	reply, err := handler(msg.Data)
	if err != nil {
		mr.logger.Warn("rpc handler failed",
			logging.Int("msg_type", int(msg.Type)),
			logging.Error(err))
		return errorReply(err.Error())
	}
	return reply
}

// DispatchRaw decodes a raw request and returns the encoded reply.
func (mr *MessageRouter) DispatchRaw(data []byte) ([]byte, error) {
	msg, err := DecodeEnvelope(data)
	if err != nil {
		reply := errorReply(fmt.Sprintf("bad envelope: %v", err))
		return reply.Encode()
	}
	return mr.Dispatch(msg).Encode()
}

// HasHandler returns true if a handler is registered for the message type.
func (mr *MessageRouter) HasHandler(msgType MessageType) bool {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	_, ok := mr.handlers[msgType]
	return ok
}

func errorReply(msg string) *Message {
	reply, err := NewMessage(MsgError, ErrorReply{Code: "ERR_RPC", Message: msg})
	if err != nil {
		// ErrorReply is a plain struct; marshalling cannot fail.
		return &Message{Type: MsgError}
	}
	return reply
}
