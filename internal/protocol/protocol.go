// Package protocol defines the topics, payloads and errors shared by the
// bot-side dispatcher and the operator-side interface dispatcher. The two
// sides only ever talk through these messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Bus topics.
const (
	TopicAuthentication                = "authentication"
	TopicAuthenticationResult          = "authenticationResult"
	TopicDisconnected                  = "disconnected"
	TopicConversationStarted           = "conversationStarted"
	TopicConversationStoppedByUser     = "conversationStoppedByUser"
	TopicConversationStoppedByOperator = "conversationStoppedByOperator"
	TopicMessageToOperator             = "messageToOperator"
	TopicMessageToUser                 = "messageToUser"
)

// BotTopics are consumed by the bot side.
var BotTopics = []string{
	TopicAuthentication,
	TopicDisconnected,
	TopicConversationStoppedByOperator,
	TopicMessageToUser,
}

// OperatorTopics are consumed by the operator side.
var OperatorTopics = []string{
	TopicAuthenticationResult,
	TopicConversationStarted,
	TopicConversationStoppedByUser,
	TopicMessageToOperator,
}

// DefaultBatchSize is the number of bus messages one update call drains.
const DefaultBatchSize = 25

// Status is the outcome of an authentication request.
type Status string

const (
	StatusAccessGranted    Status = "ACCESS_GRANTED"
	StatusAccessDenied     Status = "ACCESS_DENIED"
	StatusAlreadyConnected Status = "ALREADY_CONNECTED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAccessGranted, StatusAccessDenied, StatusAlreadyConnected:
		return true
	}
	return false
}

var (
	ErrNotAuthenticated    = errors.New("operator is not authenticated")
	ErrAccessDenied        = errors.New("operator token was rejected")
	ErrAlreadyConnected    = errors.New("operator token is already connected")
	ErrConversationStopped = errors.New("conversation is stopped")
	ErrMalformedPayload    = errors.New("malformed payload")
)

// Authentication asks the bot side to accept an operator token.
type Authentication struct {
	OperatorToken string `json:"operator_token"`
	AuthToken     string `json:"auth_token"`
}

// AuthenticationResult answers an Authentication by AuthToken.
type AuthenticationResult struct {
	AuthToken string `json:"auth_token"`
	Status    Status `json:"status"`
}

// OperatorEvent carries just an operator token. It is the payload of
// disconnected, conversationStarted and both conversationStopped topics.
type OperatorEvent struct {
	OperatorToken string `json:"operator_token"`
}

// Text carries a relayed transcript message.
type Text struct {
	OperatorToken string `json:"operator_token"`
	Text          string `json:"text"`
}

// Payload is implemented by every message body.
type Payload interface {
	Validate() error
}

func (p Authentication) Validate() error {
	if p.OperatorToken == "" {
		return fmt.Errorf("%w: operator_token is required", ErrMalformedPayload)
	}
	if p.AuthToken == "" {
		return fmt.Errorf("%w: auth_token is required", ErrMalformedPayload)
	}
	return nil
}

func (p AuthenticationResult) Validate() error {
	if p.AuthToken == "" {
		return fmt.Errorf("%w: auth_token is required", ErrMalformedPayload)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrMalformedPayload, p.Status)
	}
	return nil
}

func (p OperatorEvent) Validate() error {
	if p.OperatorToken == "" {
		return fmt.Errorf("%w: operator_token is required", ErrMalformedPayload)
	}
	return nil
}

func (p Text) Validate() error {
	if p.OperatorToken == "" {
		return fmt.Errorf("%w: operator_token is required", ErrMalformedPayload)
	}
	return nil
}

// Encode validates and marshals p.
func Encode(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}

// Decode unmarshals data into the payload type of topic and validates it.
func Decode(topic string, data []byte) (Payload, error) {
	var p Payload
	var err error
	switch topic {
	case TopicAuthentication:
		var v Authentication
		err = json.Unmarshal(data, &v)
		p = v
	case TopicAuthenticationResult:
		var v AuthenticationResult
		err = json.Unmarshal(data, &v)
		p = v
	case TopicDisconnected, TopicConversationStarted,
		TopicConversationStoppedByUser, TopicConversationStoppedByOperator:
		var v OperatorEvent
		err = json.Unmarshal(data, &v)
		p = v
	case TopicMessageToOperator, TopicMessageToUser:
		var v Text
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown topic %q", ErrMalformedPayload, topic)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, topic, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
