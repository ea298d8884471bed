package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op is one of the closed set of client operations.
type Op string

// Client operations.
const (
	OpList   Op = "list"
	OpStart  Op = "start"
	OpStop   Op = "stop"
	OpQuery  Op = "query"
	OpCheck  Op = "check"
	OpStatus Op = "status"
	OpKill   Op = "kill"
)

// Ops lists every operation in display order.
var Ops = []Op{OpList, OpStart, OpStop, OpQuery, OpCheck, OpStatus, OpKill} //nolint:gochecknoglobals // read-only table

// ParseOp validates s against the closed operation set.
func ParseOp(s string) (Op, error) {
	for _, op := range Ops {
		if string(op) == s {
			return op, nil
		}
	}
	return "", &UnknownOpError{Op: s}
}

// NeedsIndex reports whether the operation addresses a single index.
func (o Op) NeedsIndex() bool {
	return o != OpList
}

// Status values for worker handles.
type Status string

// Worker handle statuses.
const (
	StatusAvailable Status = "available"
	StatusLoading   Status = "loading"
	StatusRunning   Status = "running"
	StatusError     Status = "error"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusFailed  = "error"
)

// Request is the client → server envelope.
type Request struct {
	Type      string `json:"type"`
	Index     string `json:"index,omitempty"`
	Query     string `json:"query,omitempty"`
	Threshold string `json:"threshold,omitempty"`
	Format    string `json:"format,omitempty"`
	Port      int    `json:"port,omitempty"` // hint only; the server always picks the port
	Version   string `json:"version"`
	User      string `json:"user,omitempty"`
	ReqID     string `json:"req_id,omitempty"`
}

// Response is the server → client envelope. Data holds a JSON string for
// every op except list and start, which carry structured payloads.
type Response struct {
	Type   string          `json:"type"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Kind   ErrorKind       `json:"kind,omitempty"`
	ReqID  string          `json:"req_id,omitempty"`
}

// IndexInfo is the wire form of one worker handle.
type IndexInfo struct {
	Name   string `json:"name" yaml:"name"`
	Status Status `json:"status" yaml:"status"`
	Port   int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// SuccessResponse builds a success envelope around data.
func SuccessResponse(op, reqID string, data any) (Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{}, fmt.Errorf("marshal %s result: %w", op, err)
	}
	return Response{Type: op, Status: StatusSuccess, Data: raw, ReqID: reqID}, nil
}

// ErrorResponse builds an error envelope whose data is err's message.
func ErrorResponse(op, reqID string, err error) Response {
	raw, _ := json.Marshal("Error: " + err.Error()) //nolint:errchkjson // string marshal cannot fail
	return Response{Type: op, Status: StatusFailed, Data: raw, Kind: KindOf(err), ReqID: reqID}
}

// Message returns Data as a plain string when it is a JSON string, or the
// raw JSON text otherwise.
func (r *Response) Message() string {
	var s string
	if err := json.Unmarshal(r.Data, &s); err == nil {
		return s
	}
	return string(r.Data)
}

// DecodeData unmarshals Data into v.
func (r *Response) DecodeData(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", r.Type, err)
	}
	return nil
}

// RequestEvent records one handled client request for logs, metrics and
// the event log.
type RequestEvent struct {
	ReqID    string
	Remote   string
	User     string
	Op       string
	Index    string
	Status   string
	Kind     ErrorKind
	Duration time.Duration
	At       time.Time
}
