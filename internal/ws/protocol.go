package ws

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/roundnews/MoneroWebCoordinator/internal/job"
)

// Message types carried in the "type" field of every frame.
const (
	TypeHello        = "hello"
	TypeSubmit       = "submit"
	TypePing         = "ping"
	TypeStats        = "stats"
	TypeJob          = "job"
	TypeSubmitResult = "submit_result"
	TypeError        = "error"
	TypePong         = "pong"
)

// Submit statuses reported to workers.
const (
	StatusAccepted = "ACCEPTED"
	StatusRejected = "REJECTED"
	StatusStale    = "STALE"
	StatusError    = "ERROR"
)

// Error codes reported to workers.
const (
	CodeBadFormat     = "BAD_FORMAT"
	CodeRateLimit     = "RATE_LIMIT"
	CodeStaleJob      = "STALE_JOB"
	CodeInvalidData   = "INVALID_DATA"
	CodeInternalError = "INTERNAL_ERROR"
	CodeNotReady      = "NOT_READY"
)

// envelope is decoded first to pick the concrete client message type.
type envelope struct {
	Type string `json:"type"`
}

// HelloMessage opens a session after the websocket handshake.
type HelloMessage struct {
	Type          string `json:"type"`
	V             int    `json:"v"`
	ClientVersion string `json:"client_version"`
	Threads       int    `json:"threads"`
	SiteToken     string `json:"site_token,omitempty"`
}

// SubmitMessage carries a proof candidate for the worker's current job.
type SubmitMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	Nonce     uint64 `json:"nonce"`
	ResultHex string `json:"result_hex"`
}

// PingMessage is a client liveness probe.
type PingMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// StatsRequest asks for the session's quota figures.
type StatsRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// JobMessage hands a worker its search assignment. The worker iterates
// nonce offsets in [nonce_start, nonce_end) of the template blob.
type JobMessage struct {
	Type           string `json:"type"`
	JobID          string `json:"job_id"`
	BlobHex        string `json:"blob_hex"`
	ReservedOffset uint64 `json:"reserved_offset"`
	NonceStart     uint64 `json:"nonce_start"`
	NonceEnd       uint64 `json:"nonce_end"`
	TargetHex      string `json:"target_hex"`
	Height         uint64 `json:"height"`
	SeedHash       string `json:"seed_hash"`
}

// SubmitResultMessage answers a SubmitMessage.
type SubmitResultMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ErrorMessage reports a protocol or server-side failure.
type ErrorMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMessage answers a PingMessage.
type PongMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// StatsMessage reports the session's configured quotas.
type StatsMessage struct {
	Type             string `json:"type"`
	ID               string `json:"id,omitempty"`
	SessionID        string `json:"session_id"`
	SubmitsPerMinute int    `json:"submits_per_minute"`
	MessagesPerSec   int    `json:"messages_per_second"`
}

func jobMessage(j *job.Job) JobMessage {
	return JobMessage{
		Type:           TypeJob,
		JobID:          j.ID,
		BlobHex:        hex.EncodeToString(j.Blob),
		ReservedOffset: j.ReservedOffset,
		NonceStart:     j.Range.Start,
		NonceEnd:       j.Range.End,
		TargetHex:      hex.EncodeToString(j.ShareTarget[:]),
		Height:         j.Height,
		SeedHash:       j.SeedHash,
	}
}

func errorMessage(id, code, msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, ID: id, Code: code, Message: msg}
}

func marshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// All server message types are marshal-safe; this is unreachable
		// short of a programming error.
		raw = []byte(fmt.Sprintf(`{"type":"error","code":"%s","message":"encode failure"}`, CodeInternalError))
	}
	return raw
}
