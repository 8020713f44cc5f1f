package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Message type constants (Client → Server)
const (
	TypeLogin          = 0x01
	TypePingResponse   = 0x02
	TypeCommand        = 0x03
	TypeQueryResponse  = 0x04
	TypePasswordChange = 0x05
	TypeLogout         = 0x06
)

// Message type constants (Server → Client)
const (
	TypeLoginResponse          = 0x81
	TypePing                   = 0x82
	TypeCommandResponse        = 0x83
	TypeQuery                  = 0x84
	TypeNotify                 = 0x85
	TypeCurrentUserChange      = 0x86
	TypeOpenBrowserURL         = 0x87
	TypePasswordChangeResponse = 0x88
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
)

// pingChallengeBytes is the entropy of a heartbeat challenge (hex-rendered
// to twice this many characters).
const pingChallengeBytes = 8

// CommandStatus is the outcome of a Command message.
type CommandStatus uint8

const (
	StatusSuccess CommandStatus = iota
	StatusInvalidArgument
	StatusUnknownCommand
	StatusNotPermitted
)

func (s CommandStatus) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusInvalidArgument:
		return "InvalidArgument"
	case StatusUnknownCommand:
		return "UnknownCommand"
	case StatusNotPermitted:
		return "NotPermitted"
	default:
		return fmt.Sprintf("CommandStatus(%d)", uint8(s))
	}
}

// Session identifies one authenticated connection. The cookie is an opaque
// random token minted by the server on successful login; every message after
// login must carry it back unchanged.
type Session struct {
	Cookie string
}

// Envelope is carried at the head of every message payload: a correlation
// ID unique per request, and the session the message belongs to (nil only
// before login).
type Envelope struct {
	MsgID   string
	Session *Session
}

// Env exposes the envelope to code that handles messages generically.
func (e *Envelope) Env() *Envelope { return e }

func (e *Envelope) encodeTo(w io.Writer) error {
	if err := WriteString(w, e.MsgID); err != nil {
		return err
	}
	var cookie *string
	if e.Session != nil {
		cookie = &e.Session.Cookie
	}
	return WriteOptionalString(w, cookie)
}

func (e *Envelope) decode(r io.Reader) error {
	msgID, err := ReadString(r)
	if err != nil {
		return err
	}
	cookie, err := ReadOptionalString(r)
	if err != nil {
		return err
	}
	e.MsgID = msgID
	if cookie != nil {
		e.Session = &Session{Cookie: *cookie}
	} else {
		e.Session = nil
	}
	return nil
}

// NewMsgID mints a fresh correlation token (random 128-bit).
func NewMsgID() string {
	return uuid.NewString()
}

// ValidMsgID reports whether id is a well-formed correlation token.
func ValidMsgID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// NewPingChallenge mints a random heartbeat challenge.
func NewPingChallenge() string {
	buf := make([]byte, pingChallengeBytes)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

func newEnvelope(sess *Session) Envelope {
	return Envelope{MsgID: NewMsgID(), Session: sess}
}

// Message is implemented by every control message.
type Message interface {
	Type() uint8
	Env() *Envelope
	// EncodeTo serializes the message (envelope first) to a writer.
	EncodeTo(w io.Writer) error
	// Encode serializes the message to bytes (convenience wrapper).
	Encode() ([]byte, error)
	// Decode deserializes the message from a frame payload.
	Decode(payload []byte) error
}

func encodeMessage(m Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MessageFrame wraps an encoded message in a wire frame.
func MessageFrame(m Message) (*Frame, error) {
	payload, err := m.Encode()
	if err != nil {
		return nil, err
	}
	return &Frame{
		Version: ProtocolVersion,
		Type:    m.Type(),
		Flags:   0,
		Payload: payload,
	}, nil
}

// LoginMessage (0x01) - starts a connection against a bot account. The
// password is SHA-512 hashed client-side and base64 encoded; plaintext never
// crosses the wire. Carries no session (it precedes session existence).
type LoginMessage struct {
	Envelope
	User            string
	PasswordHashB64 string
}

func NewLogin(user, passwordHashB64 string) *LoginMessage {
	return &LoginMessage{
		Envelope:        Envelope{MsgID: NewMsgID()},
		User:            user,
		PasswordHashB64: passwordHashB64,
	}
}

func (m *LoginMessage) Type() uint8 { return TypeLogin }

func (m *LoginMessage) EncodeTo(w io.Writer) error {
	if err := m.encodeTo(w); err != nil {
		return err
	}
	if err := WriteString(w, m.User); err != nil {
		return err
	}
	return WriteString(w, m.PasswordHashB64)
}

func (m *LoginMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *LoginMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.decode(buf); err != nil {
		return err
	}
	user, err := ReadString(buf)
	if err != nil {
		return err
	}
	pwd, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.User = user
	m.PasswordHashB64 = pwd
	return nil
}

// LoginResponseMessage (0x81) - correlates to a Login by MsgID. On success
// carries the fresh session cookie needed for all further traffic; on
// failure carries the reason and precedes the server closing the
// connection.
type LoginResponseMessage struct {
	Envelope
	User    string
	Success bool
	Error   string
}

func NewLoginResponseOK(login *LoginMessage, sess *Session) *LoginResponseMessage {
	return &LoginResponseMessage{
		Envelope: Envelope{MsgID: login.MsgID, Session: sess},
		User:     login.User,
		Success:  true,
		Error:    "OK",
	}
}

func NewLoginResponseError(login *LoginMessage, reason string) *LoginResponseMessage {
	return &LoginResponseMessage{
		Envelope: Envelope{MsgID: login.MsgID},
		User:     login.User,
		Success:  false,
		Error:    reason,
	}
}

func (m *LoginResponseMessage) Type() uint8 { return TypeLoginResponse }

func (m *LoginResponseMessage) EncodeTo(w io.Writer) error {
	if err := m.encodeTo(w); err != nil {
		return err
	}
	if err := WriteString(w, m.User); err != nil {
		return err
	}
	if err := WriteBool(w, m.Success); err != nil {
		return err
	}
	return WriteString(w, m.Error)
}

func (m *LoginResponseMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *LoginResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.decode(buf); err != nil {
		return err
	}
	user, err := ReadString(buf)
	if err != nil {
		return err
	}
	success, err := ReadBool(buf)
	if err != nil {
		return err
	}
	errText, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.User = user
	m.Success = success
	m.Error = errText
	return nil
}

// PingMessage (0x82) - heartbeat probe, sent by the server after an idle
// period. The challenge must be echoed back exactly.
type PingMessage struct {
	Envelope
	Challenge string
}

func NewPing(sess *Session) *PingMessage {
	return &PingMessage{
		Envelope:  newEnvelope(sess),
		Challenge: NewPingChallenge(),
	}
}

func (m *PingMessage) Type() uint8 { return TypePing }

func (m *PingMessage) EncodeTo(w io.Writer) error {
	if err := m.encodeTo(w); err != nil {
		return err
	}
	return WriteString(w, m.Challenge)
}

func (m *PingMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *PingMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.decode(buf); err != nil {
		return err
	}
	challenge, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Challenge = challenge
	return nil
}

// PingResponseMessage (0x02) - echoes a ping challenge to prove liveness.
type PingResponseMessage struct {
	Envelope
	Challenge string
}

func NewPingResponse(ping *PingMessage) *PingResponseMessage {
	return &PingResponseMessage{
		Envelope:  Envelope{MsgID: ping.MsgID, Session: ping.Session},
		Challenge: ping.Challenge,
	}
}

func (m *PingResponseMessage) Type() uint8 { return TypePingResponse }

func (m *PingResponseMessage) EncodeTo(w io.Writer) error {
	if err := m.encodeTo(w); err != nil {
		return err
	}
	return WriteString(w, m.Challenge)
}

func (m *PingResponseMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *PingResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.decode(buf); err != nil {
		return err
	}
	challenge, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Challenge = challenge
	return nil
}

// CommandMessage (0x03) - an operator instruction, dispatched against the
// server's command table.
type CommandMessage struct {
	Envelope
	Command string
}

func NewCommand(sess *Session, command string) *CommandMessage {
	return &CommandMessage{
		Envelope: newEnvelope(sess),
		Command:  command,
	}
}

func (m *CommandMessage) Type() uint8 { return TypeCommand }

func (m *CommandMessage) EncodeTo(w io.Writer) error {
	if err := m.encodeTo(w); err != nil {
		return err
	}
	return WriteString(w, m.Command)
}

func (m *CommandMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *CommandMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.decode(buf); err != nil {
		return err
	}
	command, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Command = command
	return nil
}

// CommandResponseMessage (0x83) - sent only after the command fully
// completes. Notify/Query traffic caused by the command may arrive before
// it; this response marks the end of execution.
type CommandResponseMessage struct {
	Envelope
	Status  CommandStatus
	Message string
}

func NewCommandResponse(cmd *CommandMessage, status CommandStatus, text string) *CommandResponseMessage {
	return &CommandResponseMessage{
		Envelope: Envelope{MsgID: cmd.MsgID, Session: cmd.Session},
		Status:   status,
		Message:  text,
	}
}

func (m *CommandResponseMessage) Type() uint8 { return TypeCommandResponse }

func (m *CommandResponseMessage) EncodeTo(w io.Writer) error {
	if err := m.encodeTo(w); err != nil {
		return err
	}
	if err := WriteUint8(w, uint8(m.Status)); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *CommandResponseMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *CommandResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.decode(buf); err != nil {
		return err
	}
	status, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	text, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Status = CommandStatus(status)
	m.Message = text
	return nil
}

// NotifyMessage (0x85) - unsolicited server-to-client push. No response
// expected.
type NotifyMessage struct {
	Envelope
	Message string
}

func NewNotify(sess *Session, text string) *NotifyMessage {
	return &NotifyMessage{
		Envelope: newEnvelope(sess),
		Message:  text,
	}
}

func (m *NotifyMessage) Type() uint8 { return TypeNotify }

func (m *NotifyMessage) EncodeTo(w io.Writer) error {
	if err := m.encodeTo(w); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *NotifyMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *NotifyMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.decode(buf); err != nil {
		return err
	}
	text, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Message = text
	return nil
}

// QueryMessage (0x84) - server-initiated interactive request, emitted
// mid-command. The client must answer with a QueryResponse carrying the
// same MsgID.
type QueryMessage struct {
	Envelope
	Query      string
	IsYesNo    bool
	MaskAnswer bool
}

func NewQuery(sess *Session, query string, yesNo, mask bool) *QueryMessage {
	return &QueryMessage{
		Envelope:   newEnvelope(sess),
		Query:      query,
		IsYesNo:    yesNo,
		MaskAnswer: mask,
	}
}

func (m *QueryMessage) Type() uint8 { return TypeQuery }

func (m *QueryMessage) EncodeTo(w io.Writer) error {
	if err := m.encodeTo(w); err != nil {
		return err
	}
	if err := WriteString(w, m.Query); err != nil {
		return err
	}
	if err := WriteBool(w, m.IsYesNo); err != nil {
		return err
	}
	return WriteBool(w, m.MaskAnswer)
}

func (m *QueryMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *QueryMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.decode(buf); err != nil {
		return err
	}
	query, err := ReadString(buf)
	if err != nil {
		return err
	}
	yesNo, err := ReadBool(buf)
	if err != nil {
		return err
	}
	mask, err := ReadBool(buf)
	if err != nil {
		return err
	}
	m.Query = query
	m.IsYesNo = yesNo
	m.MaskAnswer = mask
	return nil
}

// QueryResponseMessage (0x04) - the operator's answer to a Query,
// correlated by MsgID.
type QueryResponseMessage struct {
	Envelope
	Response string
	IsYesNo  bool
}

func NewQueryResponse(q *QueryMessage, response string) *QueryResponseMessage {
	return &QueryResponseMessage{
		Envelope: Envelope{MsgID: q.MsgID, Session: q.Session},
		Response: response,
		IsYesNo:  q.IsYesNo,
	}
}

func (m *QueryResponseMessage) Type() uint8 { return TypeQueryResponse }

func (m *QueryResponseMessage) EncodeTo(w io.Writer) error {
	if err := m.encodeTo(w); err != nil {
		return err
	}
	if err := WriteString(w, m.Response); err != nil {
		return err
	}
	return WriteBool(w, m.IsYesNo)
}

func (m *QueryResponseMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *QueryResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.decode(buf); err != nil {
		return err
	}
	response, err := ReadString(buf)
	if err != nil {
		return err
	}
	yesNo, err := ReadBool(buf)
	if err != nil {
		return err
	}
	m.Response = response
	m.IsYesNo = yesNo
	return nil
}

// CurrentUserChangeMessage (0x86) - informs the client which logical user
// context is active (changes via the "user switch" command on admin
// sessions). No response expected.
type CurrentUserChangeMessage struct {
	Envelope
	NewUser string
}

func NewCurrentUserChange(sess *Session, user string) *CurrentUserChangeMessage {
	return &CurrentUserChangeMessage{
		Envelope: newEnvelope(sess),
		NewUser:  user,
	}
}

func (m *CurrentUserChangeMessage) Type() uint8 { return TypeCurrentUserChange }

func (m *CurrentUserChangeMessage) EncodeTo(w io.Writer) error {
	if err := m.encodeTo(w); err != nil {
		return err
	}
	return WriteString(w, m.NewUser)
}

func (m *CurrentUserChangeMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *CurrentUserChangeMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.decode(buf); err != nil {
		return err
	}
	user, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.NewUser = user
	return nil
}

// OpenBrowserURLMessage (0x87) - asks the client environment to open a URL,
// typically for a third-party OAuth login page.
type OpenBrowserURLMessage struct {
	Envelope
	URL string
}

func NewOpenBrowserURL(sess *Session, url string) *OpenBrowserURLMessage {
	return &OpenBrowserURLMessage{
		Envelope: newEnvelope(sess),
		URL:      url,
	}
}

func (m *OpenBrowserURLMessage) Type() uint8 { return TypeOpenBrowserURL }

func (m *OpenBrowserURLMessage) EncodeTo(w io.Writer) error {
	if err := m.encodeTo(w); err != nil {
		return err
	}
	return WriteString(w, m.URL)
}

func (m *OpenBrowserURLMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *OpenBrowserURLMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.decode(buf); err != nil {
		return err
	}
	url, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.URL = url
	return nil
}

// PasswordChangeMessage (0x05) - asks the server to change the logged-in
// user's password. Both hashes are SHA-512, base64 encoded.
type PasswordChangeMessage struct {
	Envelope
	CurrentPasswordB64 string
	NewPasswordB64     string
}

func NewPasswordChange(sess *Session, currentB64, newB64 string) *PasswordChangeMessage {
	return &PasswordChangeMessage{
		Envelope:           newEnvelope(sess),
		CurrentPasswordB64: currentB64,
		NewPasswordB64:     newB64,
	}
}

func (m *PasswordChangeMessage) Type() uint8 { return TypePasswordChange }

func (m *PasswordChangeMessage) EncodeTo(w io.Writer) error {
	if err := m.encodeTo(w); err != nil {
		return err
	}
	if err := WriteString(w, m.CurrentPasswordB64); err != nil {
		return err
	}
	return WriteString(w, m.NewPasswordB64)
}

func (m *PasswordChangeMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *PasswordChangeMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.decode(buf); err != nil {
		return err
	}
	current, err := ReadString(buf)
	if err != nil {
		return err
	}
	newPwd, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.CurrentPasswordB64 = current
	m.NewPasswordB64 = newPwd
	return nil
}

// PasswordChangeResponseMessage (0x88) - outcome of a PasswordChange.
type PasswordChangeResponseMessage struct {
	Envelope
	Success bool
	Reason  string
}

func NewPasswordChangeResponse(pc *PasswordChangeMessage, success bool, reason string) *PasswordChangeResponseMessage {
	return &PasswordChangeResponseMessage{
		Envelope: Envelope{MsgID: pc.MsgID, Session: pc.Session},
		Success:  success,
		Reason:   reason,
	}
}

func (m *PasswordChangeResponseMessage) Type() uint8 { return TypePasswordChangeResponse }

func (m *PasswordChangeResponseMessage) EncodeTo(w io.Writer) error {
	if err := m.encodeTo(w); err != nil {
		return err
	}
	if err := WriteBool(w, m.Success); err != nil {
		return err
	}
	return WriteString(w, m.Reason)
}

func (m *PasswordChangeResponseMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *PasswordChangeResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := m.decode(buf); err != nil {
		return err
	}
	success, err := ReadBool(buf)
	if err != nil {
		return err
	}
	reason, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Success = success
	m.Reason = reason
	return nil
}

// LogoutMessage (0x06) - graceful session termination requested by the
// client. Carries only the envelope.
type LogoutMessage struct {
	Envelope
}

func NewLogout(sess *Session) *LogoutMessage {
	return &LogoutMessage{Envelope: newEnvelope(sess)}
}

func (m *LogoutMessage) Type() uint8 { return TypeLogout }

func (m *LogoutMessage) EncodeTo(w io.Writer) error {
	return m.encodeTo(w)
}

func (m *LogoutMessage) Encode() ([]byte, error) { return encodeMessage(m) }

func (m *LogoutMessage) Decode(payload []byte) error {
	return m.decode(bytes.NewReader(payload))
}

// DecodeMessage parses a frame into its concrete message. An unrecognized
// frame type yields ErrUnknownMessageType so callers can tell forward
// compatibility apart from corruption.
func DecodeMessage(frame *Frame) (Message, error) {
	var m Message
	switch frame.Type {
	case TypeLogin:
		m = &LoginMessage{}
	case TypeLoginResponse:
		m = &LoginResponseMessage{}
	case TypePing:
		m = &PingMessage{}
	case TypePingResponse:
		m = &PingResponseMessage{}
	case TypeCommand:
		m = &CommandMessage{}
	case TypeCommandResponse:
		m = &CommandResponseMessage{}
	case TypeNotify:
		m = &NotifyMessage{}
	case TypeQuery:
		m = &QueryMessage{}
	case TypeQueryResponse:
		m = &QueryResponseMessage{}
	case TypeCurrentUserChange:
		m = &CurrentUserChangeMessage{}
	case TypeOpenBrowserURL:
		m = &OpenBrowserURLMessage{}
	case TypePasswordChange:
		m = &PasswordChangeMessage{}
	case TypePasswordChangeResponse:
		m = &PasswordChangeResponseMessage{}
	case TypeLogout:
		m = &LogoutMessage{}
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownMessageType, frame.Type)
	}

	if err := m.Decode(frame.Payload); err != nil {
		return nil, err
	}
	return m, nil
}

// TypeName returns a human-readable name for a message type (for logs).
func TypeName(t uint8) string {
	switch t {
	case TypeLogin:
		return "Login"
	case TypeLoginResponse:
		return "LoginResponse"
	case TypePing:
		return "Ping"
	case TypePingResponse:
		return "PingResponse"
	case TypeCommand:
		return "Command"
	case TypeCommandResponse:
		return "CommandResponse"
	case TypeNotify:
		return "Notify"
	case TypeQuery:
		return "Query"
	case TypeQueryResponse:
		return "QueryResponse"
	case TypeCurrentUserChange:
		return "CurrentUserChange"
	case TypeOpenBrowserURL:
		return "OpenBrowserURL"
	case TypePasswordChange:
		return "PasswordChange"
	case TypePasswordChangeResponse:
		return "PasswordChangeResponse"
	case TypeLogout:
		return "Logout"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", t)
	}
}
