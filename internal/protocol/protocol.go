// Package protocol defines the messages exchanged on the commit topic and
// their JSON encoding.
package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hemantsingh443/remote-commit/internal/fault"
)

// Version is the envelope version written by Encode and required by Decode.
const Version = 1

// Kind names the message carried in an envelope body.
type Kind string

const (
	KindPairRequest    Kind = "pair_request"
	KindPairResult     Kind = "pair_result"
	KindCommitRequest  Kind = "commit_request"
	KindCommitResponse Kind = "commit_response"
)

// Status is the top-level result of a commit request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// FailureCode classifies a failed commit request.
type FailureCode string

const (
	CodeNotAuthorized   FailureCode = "not_authorized"
	CodeRepositoryError FailureCode = "repository_error"
	CodeProtocolError   FailureCode = "protocol_error"
)

// Message is implemented by every envelope body type.
type Message interface {
	Kind() Kind
	ID() string
}

// PairRequest asks the daemon to trust the requester.
type PairRequest struct {
	RequestID string  `json:"request_id"`
	Requester peer.ID `json:"requester"`
	Timestamp int64   `json:"timestamp"`
}

// PairResult answers a PairRequest.
type PairResult struct {
	RequestID string  `json:"request_id"`
	Recipient peer.ID `json:"recipient"`
	Approved  bool    `json:"approved"`
	Reason    string  `json:"reason,omitempty"`
}

// CommitRequest asks the daemon to write a file and commit it.
type CommitRequest struct {
	RequestID     string  `json:"request_id"`
	Requester     peer.ID `json:"requester"`
	RepoPath      string  `json:"repo_path"`
	FilePath      string  `json:"file_path"`
	NewContent    string  `json:"new_content"`
	CommitMessage string  `json:"commit_message"`
}

// CommitResponse answers a CommitRequest.
type CommitResponse struct {
	RequestID string  `json:"request_id"`
	Recipient peer.ID `json:"recipient"`
	Outcome   Outcome `json:"outcome"`
}

// Outcome is either a success carrying the new commit hash or a failure
// carrying a code and reason.
type Outcome struct {
	Status     Status      `json:"status"`
	CommitHash string      `json:"commit_hash,omitempty"`
	Code       FailureCode `json:"code,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// Success builds a successful outcome.
func Success(hash string) Outcome {
	return Outcome{Status: StatusSuccess, CommitHash: hash}
}

// Failure builds a failed outcome.
func Failure(code FailureCode, reason string) Outcome {
	return Outcome{Status: StatusFailure, Code: code, Reason: reason}
}

func (m *PairRequest) Kind() Kind    { return KindPairRequest }
func (m *PairResult) Kind() Kind     { return KindPairResult }
func (m *CommitRequest) Kind() Kind  { return KindCommitRequest }
func (m *CommitResponse) Kind() Kind { return KindCommitResponse }

func (m *PairRequest) ID() string    { return m.RequestID }
func (m *PairResult) ID() string     { return m.RequestID }
func (m *CommitRequest) ID() string  { return m.RequestID }
func (m *CommitResponse) ID() string { return m.RequestID }

type envelope struct {
	V    int             `json:"v"`
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

//go:embed envelope.schema.json
var envelopeSchema []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.schema.json", bytes.NewReader(envelopeSchema)); err != nil {
			schemaErr = fmt.Errorf("failed to add envelope schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("envelope.schema.json")
	})
	return schema, schemaErr
}

// Encode wraps msg in a versioned envelope.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fault.E(fault.Protocol, "encode "+string(msg.Kind()), err)
	}
	data, err := json.Marshal(envelope{V: Version, Kind: msg.Kind(), Body: body})
	if err != nil {
		return nil, fault.E(fault.Protocol, "encode "+string(msg.Kind()), err)
	}
	return data, nil
}

// Decode parses and validates an envelope and returns its body as one of
// *PairRequest, *PairResult, *CommitRequest or *CommitResponse. Every failure
// is a protocol fault.
func Decode(data []byte) (Message, error) {
	s, err := compiledSchema()
	if err != nil {
		return nil, fault.E(fault.Protocol, "decode", err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fault.E(fault.Protocol, "decode", fmt.Errorf("malformed json: %w", err))
	}
	if err := s.Validate(raw); err != nil {
		return nil, fault.E(fault.Protocol, "decode", fmt.Errorf("invalid message: %w", err))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fault.E(fault.Protocol, "decode", err)
	}

	var msg Message
	switch env.Kind {
	case KindPairRequest:
		msg = &PairRequest{}
	case KindPairResult:
		msg = &PairResult{}
	case KindCommitRequest:
		msg = &CommitRequest{}
	case KindCommitResponse:
		msg = &CommitResponse{}
	default:
		return nil, fault.Errorf(fault.Protocol, "decode", "unknown message kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Body, msg); err != nil {
		return nil, fault.E(fault.Protocol, "decode "+string(env.Kind), err)
	}
	return msg, nil
}
