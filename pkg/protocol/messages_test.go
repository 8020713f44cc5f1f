package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reEncode pushes a message through a wire frame and decodes it back,
// the way a peer would receive it.
func reEncode(t *testing.T, m Message) Message {
	t.Helper()
	frame, err := MessageFrame(m)
	require.NoError(t, err)

	decoded, err := DecodeMessage(frame)
	require.NoError(t, err)
	return decoded
}

func testSession() *Session {
	return &Session{Cookie: "F00DF00DF00DF00DF00DF00DF00DF00DF00DF00DF00DF00DF00DF00DF00DF00D"}
}

func TestLoginRoundTrip(t *testing.T) {
	login := NewLogin("operator", "cGFzc3dvcmQtaGFzaA==")
	assert.True(t, ValidMsgID(login.MsgID))
	assert.Nil(t, login.Session, "login precedes session existence")

	decoded := reEncode(t, login).(*LoginMessage)
	assert.Equal(t, login.MsgID, decoded.MsgID)
	assert.Nil(t, decoded.Session)
	assert.Equal(t, "operator", decoded.User)
	assert.Equal(t, "cGFzc3dvcmQtaGFzaA==", decoded.PasswordHashB64)
}

func TestLoginResponseCorrelation(t *testing.T) {
	login := NewLogin("operator", "aGFzaA==")
	sess := testSession()

	t.Run("success carries the session", func(t *testing.T) {
		resp := NewLoginResponseOK(login, sess)
		decoded := reEncode(t, resp).(*LoginResponseMessage)

		assert.Equal(t, login.MsgID, decoded.MsgID)
		require.NotNil(t, decoded.Session)
		assert.Equal(t, sess.Cookie, decoded.Session.Cookie)
		assert.True(t, decoded.Success)
		assert.Equal(t, "OK", decoded.Error)
		assert.Equal(t, "operator", decoded.User)
	})

	t.Run("failure carries no session", func(t *testing.T) {
		resp := NewLoginResponseError(login, "access denied")
		decoded := reEncode(t, resp).(*LoginResponseMessage)

		assert.Equal(t, login.MsgID, decoded.MsgID)
		assert.Nil(t, decoded.Session)
		assert.False(t, decoded.Success)
		assert.Equal(t, "access denied", decoded.Error)
	})
}

func TestPingRoundTrip(t *testing.T) {
	sess := testSession()
	ping := NewPing(sess)
	assert.Len(t, ping.Challenge, pingChallengeBytes*2, "challenge is hex-rendered")

	decoded := reEncode(t, ping).(*PingMessage)
	assert.Equal(t, ping.MsgID, decoded.MsgID)
	assert.Equal(t, ping.Challenge, decoded.Challenge)
	require.NotNil(t, decoded.Session)
	assert.Equal(t, sess.Cookie, decoded.Session.Cookie)

	// The echo copies both correlation ID and challenge
	pong := NewPingResponse(decoded)
	decodedPong := reEncode(t, pong).(*PingResponseMessage)
	assert.Equal(t, ping.MsgID, decodedPong.MsgID)
	assert.Equal(t, ping.Challenge, decodedPong.Challenge)
}

func TestCommandRoundTrip(t *testing.T) {
	sess := testSession()
	cmd := NewCommand(sess, "user switch alice")

	decoded := reEncode(t, cmd).(*CommandMessage)
	assert.Equal(t, cmd.MsgID, decoded.MsgID)
	assert.Equal(t, "user switch alice", decoded.Command)

	resp := NewCommandResponse(decoded, StatusNotPermitted, "")
	decodedResp := reEncode(t, resp).(*CommandResponseMessage)
	assert.Equal(t, cmd.MsgID, decodedResp.MsgID, "response correlates by MsgID")
	assert.Equal(t, StatusNotPermitted, decodedResp.Status)
}

func TestQueryRoundTrip(t *testing.T) {
	sess := testSession()
	q := NewQuery(sess, "Proceed with reset?", true, false)

	decoded := reEncode(t, q).(*QueryMessage)
	assert.Equal(t, q.MsgID, decoded.MsgID)
	assert.Equal(t, "Proceed with reset?", decoded.Query)
	assert.True(t, decoded.IsYesNo)
	assert.False(t, decoded.MaskAnswer)

	resp := NewQueryResponse(decoded, "y")
	decodedResp := reEncode(t, resp).(*QueryResponseMessage)
	assert.Equal(t, q.MsgID, decodedResp.MsgID)
	assert.Equal(t, "y", decodedResp.Response)
	assert.True(t, decodedResp.IsYesNo, "answer mirrors the query shape")
}

func TestQueryMaskedAnswer(t *testing.T) {
	q := NewQuery(testSession(), "API token:", false, true)
	decoded := reEncode(t, q).(*QueryMessage)
	assert.False(t, decoded.IsYesNo)
	assert.True(t, decoded.MaskAnswer)
}

func TestNotifyRoundTrip(t *testing.T) {
	n := NewNotify(testSession(), "stream went live")
	decoded := reEncode(t, n).(*NotifyMessage)
	assert.Equal(t, n.MsgID, decoded.MsgID)
	assert.Equal(t, "stream went live", decoded.Message)
}

func TestCurrentUserChangeRoundTrip(t *testing.T) {
	m := NewCurrentUserChange(testSession(), "alice")
	decoded := reEncode(t, m).(*CurrentUserChangeMessage)
	assert.Equal(t, "alice", decoded.NewUser)
}

func TestOpenBrowserURLRoundTrip(t *testing.T) {
	m := NewOpenBrowserURL(testSession(), "https://example.com/oauth")
	decoded := reEncode(t, m).(*OpenBrowserURLMessage)
	assert.Equal(t, "https://example.com/oauth", decoded.URL)
}

func TestPasswordChangeRoundTrip(t *testing.T) {
	m := NewPasswordChange(testSession(), "b2xk", "bmV3")
	decoded := reEncode(t, m).(*PasswordChangeMessage)
	assert.Equal(t, "b2xk", decoded.CurrentPasswordB64)
	assert.Equal(t, "bmV3", decoded.NewPasswordB64)

	resp := NewPasswordChangeResponse(decoded, false, "bad credentials")
	decodedResp := reEncode(t, resp).(*PasswordChangeResponseMessage)
	assert.Equal(t, m.MsgID, decodedResp.MsgID)
	assert.False(t, decodedResp.Success)
	assert.Equal(t, "bad credentials", decodedResp.Reason)
}

func TestLogoutRoundTrip(t *testing.T) {
	sess := testSession()
	m := NewLogout(sess)
	decoded := reEncode(t, m).(*LogoutMessage)
	assert.Equal(t, m.MsgID, decoded.MsgID)
	require.NotNil(t, decoded.Session)
	assert.Equal(t, sess.Cookie, decoded.Session.Cookie)
}

func TestDecodeMessageUnknownType(t *testing.T) {
	frame := &Frame{
		Version: ProtocolVersion,
		Type:    0x7F,
		Payload: []byte{},
	}
	_, err := DecodeMessage(frame)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDecodeMessageTruncatedPayload(t *testing.T) {
	// Valid type but payload cut off mid-envelope
	frame := &Frame{
		Version: ProtocolVersion,
		Type:    TypeCommand,
		Payload: []byte{0x00, 0x24, 'a'}, // claims a 36-byte MsgID, supplies 1
	}
	_, err := DecodeMessage(frame)
	assert.Error(t, err)
}

func TestValidMsgID(t *testing.T) {
	assert.True(t, ValidMsgID(NewMsgID()))
	assert.False(t, ValidMsgID(""))
	assert.False(t, ValidMsgID("not-a-uuid"))
}

func TestNewMsgIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMsgID()
		assert.False(t, seen[id], "duplicate MsgID generated")
		seen[id] = true
	}
}

func TestCommandStatusString(t *testing.T) {
	assert.Equal(t, "Success", StatusSuccess.String())
	assert.Equal(t, "InvalidArgument", StatusInvalidArgument.String())
	assert.Equal(t, "UnknownCommand", StatusUnknownCommand.String())
	assert.Equal(t, "NotPermitted", StatusNotPermitted.String())
	assert.Equal(t, "CommandStatus(99)", CommandStatus(99).String())
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "Login", TypeName(TypeLogin))
	assert.Equal(t, "LoginResponse", TypeName(TypeLoginResponse))
	assert.Equal(t, "Ping", TypeName(TypePing))
	assert.Equal(t, "CommandResponse", TypeName(TypeCommandResponse))
	assert.Equal(t, "Unknown(0x7F)", TypeName(0x7F))
}
