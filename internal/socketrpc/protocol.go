package socketrpc

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/tinytelemetry/procscope/internal/model"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server exposes model.ReadAPI over a Unix domain socket.
//
//   Method                    Params                          Result
//   ──────────────────────    ─────────────────────────────   ─────────────────────
//   EvaluateReport            {Report: Definition}            Result
//   EvaluateCombinedReport    {Reports: []Definition}         CombinedResult
//   ImportStatus              (none)                          []MediatorStatus
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error (evaluation failure)
//   -32001  Invalid report definition or unsupported combination
//   -32002  Search backend unreachable

const (
	codeParse              = -32700
	codeMethodNotFound     = -32601
	codeInvalidParams      = -32602
	codeInternal           = -32603
	codeApplication        = -32000
	codeInvalidReport      = -32001
	codeBackendUnreachable = -32002
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// Unwrap maps application error codes back to the model sentinels so
// callers can use errors.Is on both sides of the socket.
func (e *RPCError) Unwrap() error {
	switch e.Code {
	case codeInvalidReport:
		return model.ErrInvalidReport
	case codeBackendUnreachable:
		return model.ErrBackendUnreachable
	}
	return nil
}

func applicationError(err error) *RPCError {
	code := codeApplication
	switch {
	case errors.Is(err, model.ErrInvalidReport),
		errors.Is(err, model.ErrUnsupportedFilterCombination),
		errors.Is(err, model.ErrTooManyBuckets):
		code = codeInvalidReport
	case errors.Is(err, model.ErrBackendUnreachable):
		code = codeBackendUnreachable
	}
	return &RPCError{Code: code, Message: err.Error()}
}

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/procscope/procscope.sock, falling back to
// ~/.local/state/procscope/procscope.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "procscope", "procscope.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/procscope.sock"
	}
	return filepath.Join(home, ".local", "state", "procscope", "procscope.sock")
}
