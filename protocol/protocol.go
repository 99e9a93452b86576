package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrBadRequest = errors.New("bad request")
)

type Action string

const (
	ActionPresence         Action = "PRESENCE"
	ActionMessage          Action = "MESSAGE"
	ActionGetContacts      Action = "GET_CONTACTS"
	ActionGetUsers         Action = "GET_USERS"
	ActionAddContact       Action = "ADD_CONTACT"
	ActionRemoveContact    Action = "REMOVE_CONTACT"
	ActionExit             Action = "EXIT"
	ActionPublicKeyRequest Action = "PUBLIC_KEY_REQUEST"
)

// Response codes
const (
	CodeOK           = 200
	CodeCreated      = 201
	CodeList         = 202
	CodeListsChanged = 205
	CodeBadRequest   = 400
	CodeAuth         = 511
)

// User identifies the sender of an envelope.
type User struct {
	AccountName string `json:"account_name"`
	PublicKey   string `json:"public_key,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Envelope is the wire shape of every request. Fields not used by an action
// are left empty.
type Envelope struct {
	Action      Action   `json:"action"`
	Time        *float64 `json:"time"`
	User        *User    `json:"user"`
	Destination string   `json:"destination,omitempty"`
	MessageText string   `json:"message_text,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
}

// Response is sent by the server for every request. The handshake reply from
// the client uses the same shape with Code 511.
type Response struct {
	Code     int      `json:"response"`
	Data     string   `json:"data,omitempty"`
	ListInfo []string `json:"list_info,omitempty"`
	Error    string   `json:"error,omitempty"`
	Digest   string   `json:"digest,omitempty"`
}

// Request is one decoded envelope. The concrete type tells which action it is.
type Request interface {
	Action() Action
	Meta() Header
}

// Header carries the fields every envelope must have.
type Header struct {
	Time time.Time
	User User
}

func (h Header) Meta() Header { return h }

// Sender returns the account the envelope claims to come from.
func (h Header) Sender() string { return h.User.AccountName }

type Presence struct{ Header }

type Message struct {
	Header
	Destination string
	Text        string
}

type GetContacts struct{ Header }

type GetUsers struct{ Header }

type AddContact struct {
	Header
	UserID string
}

type RemoveContact struct {
	Header
	UserID string
}

type Exit struct{ Header }

type PublicKeyRequest struct {
	Header
	UserID string
}

func (Presence) Action() Action         { return ActionPresence }
func (Message) Action() Action          { return ActionMessage }
func (GetContacts) Action() Action      { return ActionGetContacts }
func (GetUsers) Action() Action         { return ActionGetUsers }
func (AddContact) Action() Action       { return ActionAddContact }
func (RemoveContact) Action() Action    { return ActionRemoveContact }
func (Exit) Action() Action             { return ActionExit }
func (PublicKeyRequest) Action() Action { return ActionPublicKeyRequest }

// DecodeRequest parses a frame body into a typed request. Missing common or
// per-action fields yield an error wrapping ErrBadRequest.
func DecodeRequest(data []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return FromEnvelope(env)
}

// FromEnvelope validates env and converts it to a typed request.
func FromEnvelope(env Envelope) (Request, error) {
	if env.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrBadRequest)
	}
	if env.Time == nil {
		return nil, fmt.Errorf("%w: missing time", ErrBadRequest)
	}
	if env.User == nil || env.User.AccountName == "" {
		return nil, fmt.Errorf("%w: missing user", ErrBadRequest)
	}

	ts, err := fromUnix(*env.Time)
	if err != nil {
		return nil, err
	}
	h := Header{Time: ts, User: *env.User}

	switch env.Action {
	case ActionPresence:
		return Presence{h}, nil
	case ActionMessage:
		if env.Destination == "" {
			return nil, fmt.Errorf("%w: missing destination", ErrBadRequest)
		}
		if env.MessageText == "" {
			return nil, fmt.Errorf("%w: missing message_text", ErrBadRequest)
		}
		return Message{Header: h, Destination: env.Destination, Text: env.MessageText}, nil
	case ActionGetContacts:
		return GetContacts{h}, nil
	case ActionGetUsers:
		return GetUsers{h}, nil
	case ActionAddContact:
		if env.UserID == "" {
			return nil, fmt.Errorf("%w: missing user_id", ErrBadRequest)
		}
		return AddContact{Header: h, UserID: env.UserID}, nil
	case ActionRemoveContact:
		if env.UserID == "" {
			return nil, fmt.Errorf("%w: missing user_id", ErrBadRequest)
		}
		return RemoveContact{Header: h, UserID: env.UserID}, nil
	case ActionExit:
		return Exit{h}, nil
	case ActionPublicKeyRequest:
		if env.UserID == "" {
			return nil, fmt.Errorf("%w: missing user_id", ErrBadRequest)
		}
		return PublicKeyRequest{Header: h, UserID: env.UserID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrBadRequest, env.Action)
	}
}

// ToEnvelope converts a typed request back to its wire shape.
func ToEnvelope(req Request) Envelope {
	h := req.Meta()
	user := h.User
	ts := toUnix(h.Time)
	env := Envelope{Action: req.Action(), Time: &ts, User: &user}

	switch r := req.(type) {
	case Message:
		env.Destination = r.Destination
		env.MessageText = r.Text
	case AddContact:
		env.UserID = r.UserID
	case RemoveContact:
		env.UserID = r.UserID
	case PublicKeyRequest:
		env.UserID = r.UserID
	}
	return env
}

// EncodeRequest marshals a typed request into a frame body.
func EncodeRequest(req Request) ([]byte, error) {
	return json.Marshal(ToEnvelope(req))
}

// Encode marshals either a Request or a Response.
func Encode(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case Request:
		return EncodeRequest(m)
	case Response:
		return EncodeResponse(m)
	default:
		return nil, fmt.Errorf("encode: unsupported type %T", v)
	}
}

func EncodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}

func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("decode response: %w", err)
	}
	if resp.Code == 0 {
		return resp, fmt.Errorf("%w: missing response code", ErrBadRequest)
	}
	return resp, nil
}

// IsRequest reports whether a frame body carries an action (a pushed
// envelope) rather than a response code.
func IsRequest(data []byte) bool {
	var probe struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Action != ""
}

func OK() Response { return Response{Code: CodeOK} }

func Created() Response { return Response{Code: CodeCreated} }

func List(items []string) Response {
	if items == nil {
		items = []string{}
	}
	return Response{Code: CodeList, ListInfo: items}
}

func Fail(reason string) Response {
	return Response{Code: CodeBadRequest, Error: reason}
}

func ListsChanged() Response { return Response{Code: CodeListsChanged} }

// maxUnixSeconds keeps decoded times inside the range of UnixNano.
const maxUnixSeconds = math.MaxInt64 / 1e9

func fromUnix(sec float64) (time.Time, error) {
	if math.IsNaN(sec) || math.Abs(sec) > maxUnixSeconds {
		return time.Time{}, fmt.Errorf("%w: time %g out of range", ErrBadRequest, sec)
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}

func toUnix(t time.Time) float64 {
	if t.IsZero() {
		t = time.Now()
	}
	return float64(t.UnixNano()) / 1e9
}
