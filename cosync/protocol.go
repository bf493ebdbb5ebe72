package cosync

import (
	"encoding/json"
	"fmt"
)

// The wire format is one JSON object per websocket text frame. Every
// object carries a `type` discriminator; request-style objects also carry
// a `requestId`, and the first reply bearing a matching id resolves
// exactly one pending caller. Version fields are decimal strings.

type MessageType string

const (
	MessageTypeAuth      MessageType = "auth"
	MessageTypeAuthOk    MessageType = "auth_ok"
	MessageTypeAuthError MessageType = "auth_error"
	MessageTypePush      MessageType = "push"
	MessageTypePushOk    MessageType = "push_ok"
	MessageTypePull      MessageType = "pull"
	MessageTypePullOk    MessageType = "pull_ok"
	MessageTypeChanges   MessageType = "changes"
	MessageTypeError     MessageType = "error"
)

const (
	ErrorCodeParse              = "PARSE_ERROR"
	ErrorCodeUnknownMessage     = "UNKNOWN_MESSAGE"
	ErrorCodeNotAuthenticated   = "NOT_AUTHENTICATED"
	ErrorCodeInvalidToken       = "INVALID_TOKEN"
	ErrorCodeTooManyConnections = "TOO_MANY_CONNECTIONS"
)

// websocket close codes. 1001 (going away) is reused for server shutdown.
const (
	CloseCodeAuthTimeout        = 4001
	CloseCodeAuthFailed         = 4002
	CloseCodeTooManyConnections = 4003
	CloseCodeShutdown           = 1001
)

// Message is a sealed union of the wire message kinds. Dispatch is a type
// switch over the concrete types, so adding a kind is a compile-visible
// decision at every switch.
type Message interface {
	MessageType() MessageType
	message()
}

// RequestMessage is implemented by every message that participates in
// request correlation, on both the request and the reply side.
type RequestMessage interface {
	Message
	MessageRequestId() Id
}

type AuthMessage struct {
	Type      MessageType `json:"type"`
	RequestId Id          `json:"requestId"`
	Token     string      `json:"token"`
	DeviceId  string      `json:"deviceId"`
	SiteId    string      `json:"siteId"`
}

type AuthOkMessage struct {
	Type          MessageType `json:"type"`
	RequestId     Id          `json:"requestId"`
	UserId        string      `json:"userId"`
	ServerVersion Version     `json:"serverVersion"`
}

type AuthErrorMessage struct {
	Type      MessageType `json:"type"`
	RequestId Id          `json:"requestId"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
}

type PushMessage struct {
	Type        MessageType `json:"type"`
	RequestId   Id          `json:"requestId"`
	Changes     []Change    `json:"changes"`
	FromVersion Version     `json:"fromVersion"`
}

type PushOkMessage struct {
	Type          MessageType `json:"type"`
	RequestId     Id          `json:"requestId"`
	Applied       int         `json:"applied"`
	ServerVersion Version     `json:"serverVersion"`
}

type PullMessage struct {
	Type         MessageType `json:"type"`
	RequestId    Id          `json:"requestId"`
	SinceVersion Version     `json:"sinceVersion"`
}

type PullOkMessage struct {
	Type          MessageType `json:"type"`
	RequestId     Id          `json:"requestId"`
	Changes       []Change    `json:"changes"`
	ServerVersion Version     `json:"serverVersion"`
}

// ChangesMessage is the unsolicited server->client broadcast after a
// sibling session's push. It is never sent to the pushing session.
type ChangesMessage struct {
	Type         MessageType `json:"type"`
	Changes      []Change    `json:"changes"`
	FromDeviceId string      `json:"fromDeviceId"`
}

type ErrorMessage struct {
	Type      MessageType `json:"type"`
	RequestId *Id         `json:"requestId,omitempty"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
}

func (self *AuthMessage) MessageType() MessageType      { return MessageTypeAuth }
func (self *AuthOkMessage) MessageType() MessageType    { return MessageTypeAuthOk }
func (self *AuthErrorMessage) MessageType() MessageType { return MessageTypeAuthError }
func (self *PushMessage) MessageType() MessageType      { return MessageTypePush }
func (self *PushOkMessage) MessageType() MessageType    { return MessageTypePushOk }
func (self *PullMessage) MessageType() MessageType      { return MessageTypePull }
func (self *PullOkMessage) MessageType() MessageType    { return MessageTypePullOk }
func (self *ChangesMessage) MessageType() MessageType   { return MessageTypeChanges }
func (self *ErrorMessage) MessageType() MessageType     { return MessageTypeError }

func (self *AuthMessage) message()      {}
func (self *AuthOkMessage) message()    {}
func (self *AuthErrorMessage) message() {}
func (self *PushMessage) message()      {}
func (self *PushOkMessage) message()    {}
func (self *PullMessage) message()      {}
func (self *PullOkMessage) message()    {}
func (self *ChangesMessage) message()   {}
func (self *ErrorMessage) message()     {}

func (self *AuthMessage) MessageRequestId() Id      { return self.RequestId }
func (self *AuthOkMessage) MessageRequestId() Id    { return self.RequestId }
func (self *AuthErrorMessage) MessageRequestId() Id { return self.RequestId }
func (self *PushMessage) MessageRequestId() Id      { return self.RequestId }
func (self *PushOkMessage) MessageRequestId() Id    { return self.RequestId }
func (self *PullMessage) MessageRequestId() Id      { return self.RequestId }
func (self *PullOkMessage) MessageRequestId() Id    { return self.RequestId }

func (self *ErrorMessage) MessageRequestId() Id {
	if self.RequestId == nil {
		return Id{}
	}
	return *self.RequestId
}

// UnknownMessageError is returned by DecodeMessage for a frame whose
// `type` is well-formed JSON but not a known kind.
type UnknownMessageError struct {
	Type string
}

func (self *UnknownMessageError) Error() string {
	return fmt.Sprintf("unknown message type %q", self.Type)
}

func EncodeMessage(message Message) ([]byte, error) {
	// stamp the discriminator so that zero-valued Type fields in struct
	// literals still encode correctly
	switch v := message.(type) {
	case *AuthMessage:
		v.Type = MessageTypeAuth
	case *AuthOkMessage:
		v.Type = MessageTypeAuthOk
	case *AuthErrorMessage:
		v.Type = MessageTypeAuthError
	case *PushMessage:
		v.Type = MessageTypePush
	case *PushOkMessage:
		v.Type = MessageTypePushOk
	case *PullMessage:
		v.Type = MessageTypePull
	case *PullOkMessage:
		v.Type = MessageTypePullOk
	case *ChangesMessage:
		v.Type = MessageTypeChanges
	case *ErrorMessage:
		v.Type = MessageTypeError
	default:
		return nil, fmt.Errorf("cannot encode message type %T", message)
	}
	return json.Marshal(message)
}

func DecodeMessage(frame []byte) (Message, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, err
	}

	var message Message
	switch envelope.Type {
	case MessageTypeAuth:
		message = &AuthMessage{}
	case MessageTypeAuthOk:
		message = &AuthOkMessage{}
	case MessageTypeAuthError:
		message = &AuthErrorMessage{}
	case MessageTypePush:
		message = &PushMessage{}
	case MessageTypePushOk:
		message = &PushOkMessage{}
	case MessageTypePull:
		message = &PullMessage{}
	case MessageTypePullOk:
		message = &PullOkMessage{}
	case MessageTypeChanges:
		message = &ChangesMessage{}
	case MessageTypeError:
		message = &ErrorMessage{}
	default:
		return nil, &UnknownMessageError{Type: string(envelope.Type)}
	}
	if err := json.Unmarshal(frame, message); err != nil {
		return nil, err
	}
	return message, nil
}
