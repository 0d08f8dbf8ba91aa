// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Action is the closed set of request kinds. Dispatch switches over
// it exhaustively; adding an action means touching the switch.
type Action string

const (
	ActionRegister  Action = "register"
	ActionSend      Action = "send"
	ActionCheck     Action = "check"
	ActionList      Action = "list"
	ActionRename    Action = "rename"
	ActionBroadcast Action = "broadcast"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionRegister, ActionSend, ActionCheck, ActionList, ActionRename, ActionBroadcast:
		return true
	}
	return false
}

// Payload is the message body a client sends. Data carries arbitrary
// structured attachments alongside the text content.
type Payload struct {
	Content string         `json:"content"`
	Data    map[string]any `json:"data,omitempty"`
}

// Request is one wire request. Framing is one self-delimiting JSON
// object per direction: the broker decodes exactly one value, writes
// one Response, and closes the connection. Session state travels in
// the payload, never in the connection.
type Request struct {
	Action       Action   `json:"action"`
	InstanceID   string   `json:"instance_id,omitempty"`
	SessionToken string   `json:"session_token,omitempty"`
	AuthToken    string   `json:"auth_token,omitempty"`
	ToID         string   `json:"to_id,omitempty"`
	NewID        string   `json:"new_id,omitempty"`
	Message      *Payload `json:"message,omitempty"`
}

// DeliveredMessage is one queue entry as returned by check.
type DeliveredMessage struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Timestamp string  `json:"timestamp"`
	Message   Payload `json:"message"`
}

// InstanceInfo is one entry of the list response.
type InstanceInfo struct {
	ID       string `json:"id"`
	LastSeen string `json:"last_seen"`
}

// ResponseData carries the action-specific response payload.
type ResponseData struct {
	Messages  []DeliveredMessage `json:"messages,omitempty"`
	Instances []InstanceInfo     `json:"instances,omitempty"`
	Count     int                `json:"count,omitempty"`
}

// Response is one wire response.
type Response struct {
	Status       string        `json:"status"`
	Message      string        `json:"message,omitempty"`
	Code         string        `json:"code,omitempty"`
	SessionToken string        `json:"session_token,omitempty"`
	Data         *ResponseData `json:"data,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// maxRequestSize bounds one request read. Large messages are offloaded
// above 10 KiB anyway, so a megabyte leaves generous headroom.
const maxRequestSize = 1 << 20

// ReadRequest decodes exactly one JSON request from r.
func ReadRequest(r io.Reader) (Request, error) {
	var request Request
	decoder := json.NewDecoder(io.LimitReader(r, maxRequestSize))
	if err := decoder.Decode(&request); err != nil {
		return Request{}, fmt.Errorf("decoding request: %w", err)
	}
	return request, nil
}

// WriteResponse encodes one JSON response to w.
func WriteResponse(w io.Writer, response Response) error {
	if err := json.NewEncoder(w).Encode(response); err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return nil
}

// WriteRequest encodes one JSON request to w. Client side of
// ReadRequest.
func WriteRequest(w io.Writer, request Request) error {
	if err := json.NewEncoder(w).Encode(request); err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return nil
}

// ReadResponse decodes exactly one JSON response from r.
func ReadResponse(r io.Reader) (Response, error) {
	var response Response
	decoder := json.NewDecoder(io.LimitReader(r, maxRequestSize))
	if err := decoder.Decode(&response); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	return response, nil
}

// okResponse builds a plain success response.
func okResponse(message string) Response {
	return Response{Status: StatusOK, Message: message}
}

// errorResponse converts an error into a wire response, mapping coded
// broker errors onto their code field.
func errorResponse(err error) Response {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return Response{Status: StatusError, Message: brokerErr.Message, Code: brokerErr.Code}
	}
	return Response{Status: StatusError, Message: err.Error(), Code: CodeInternal}
}
