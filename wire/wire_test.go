package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindDetection(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		kind  Kind
	}{
		{
			name:  "request",
			frame: `{"proto":"wsbridge/1","id":1,"method":"echo","params":["a"]}`,
			kind:  KindRequest,
		},
		{
			name:  "request with string id",
			frame: `{"proto":"wsbridge/1","id":"abc","method":"echo"}`,
			kind:  KindRequest,
		},
		{
			name:  "notification",
			frame: `{"proto":"wsbridge/1","method":"tick","params":[42]}`,
			kind:  KindNotification,
		},
		{
			name:  "success response",
			frame: `{"proto":"wsbridge/1","id":1,"result":null}`,
			kind:  KindResponse,
		},
		{
			name:  "error response",
			frame: `{"proto":"wsbridge/1","id":1,"error":{"code":-32601,"message":"nope"}}`,
			kind:  KindResponse,
		},
		{
			name:  "id with neither result nor error",
			frame: `{"proto":"wsbridge/1","id":1}`,
			kind:  KindInvalid,
		},
		{
			name:  "empty object",
			frame: `{}`,
			kind:  KindInvalid,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg, err := Decode([]byte(c.frame))
			require.NoError(t, err)
			assert.Equal(t, c.kind, msg.Kind())
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("this is not json"))
	require.Error(t, err)

	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, CodeParseError, werr.Code)
	assert.NotEmpty(t, werr.Message)
}

func TestResponsePreservesRequestID(t *testing.T) {
	req, err := Decode([]byte(`{"proto":"wsbridge/1","id":"call-7","method":"echo"}`))
	require.NoError(t, err)

	resp, err := NewResult(req.ID, "ok")
	require.NoError(t, err)
	assert.Equal(t, string(req.ID), string(resp.ID))

	b, err := json.Marshal(resp)
	require.NoError(t, err)

	back, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, back.Kind())
	assert.Equal(t, `"call-7"`, string(back.ID))
}

func TestNilResultStillAResponse(t *testing.T) {
	resp, err := NewResult(json.RawMessage("3"), nil)
	require.NoError(t, err)

	b, err := json.Marshal(resp)
	require.NoError(t, err)

	back, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, back.Kind())
	assert.Equal(t, "null", string(back.Result))
}

func TestNewErrorWithoutID(t *testing.T) {
	msg := NewError(nil, CodeParseError, "malformed frame")
	b, err := json.Marshal(msg)
	require.NoError(t, err)

	back, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, back.Kind())
	assert.Equal(t, "null", string(back.ID))
	require.NotNil(t, back.Error)
	assert.Equal(t, CodeParseError, back.Error.Code)
}
