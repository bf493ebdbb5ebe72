package cosync

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMessageCodec(t *testing.T) {
	requestId := NewId()
	change := testChange("create note X")

	frame, err := EncodeMessage(&PushMessage{
		RequestId:   requestId,
		Changes:     []Change{change},
		FromVersion: NewVersion(7),
	})
	assert.Equal(t, err, nil)

	// the type discriminator is stamped even from a bare struct literal
	envelope := map[string]any{}
	err = json.Unmarshal(frame, &envelope)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope["type"], "push")
	assert.Equal(t, envelope["fromVersion"], "7")

	decoded, err := DecodeMessage(frame)
	assert.Equal(t, err, nil)
	push, ok := decoded.(*PushMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, push.RequestId, requestId)
	assert.Equal(t, len(push.Changes), 1)
	assert.Equal(t, push.Changes[0].ChangeId, change.ChangeId)
	assert.Equal(t, push.FromVersion.String(), "7")
}

func TestDecodeBadFrames(t *testing.T) {
	_, err := DecodeMessage([]byte(`not json`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeMessage([]byte(`{"type":"bogus"}`))
	unknown, ok := err.(*UnknownMessageError)
	assert.Equal(t, ok, true)
	assert.Equal(t, unknown.Type, "bogus")

	// a known type with malformed fields is a parse error, not unknown
	_, err = DecodeMessage([]byte(`{"type":"pull","sinceVersion":5}`))
	assert.NotEqual(t, err, nil)
	_, ok = err.(*UnknownMessageError)
	assert.Equal(t, ok, false)
}

func TestErrorMessageRequestId(t *testing.T) {
	// the requestId on an error is optional and omitted when absent
	frame, err := EncodeMessage(&ErrorMessage{
		Code:    ErrorCodeNotAuthenticated,
		Message: "not authenticated",
	})
	assert.Equal(t, err, nil)

	envelope := map[string]any{}
	err = json.Unmarshal(frame, &envelope)
	assert.Equal(t, err, nil)
	_, present := envelope["requestId"]
	assert.Equal(t, present, false)

	decoded, err := DecodeMessage(frame)
	assert.Equal(t, err, nil)
	errorMessage := decoded.(*ErrorMessage)
	assert.Equal(t, errorMessage.MessageRequestId(), Id{})

	requestId := NewId()
	frame, err = EncodeMessage(&ErrorMessage{
		RequestId: &requestId,
		Code:      ErrorCodeParse,
		Message:   "parse error",
	})
	assert.Equal(t, err, nil)
	decoded, err = DecodeMessage(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.(*ErrorMessage).MessageRequestId(), requestId)
}

func TestRequestMessages(t *testing.T) {
	// every request-style message exposes its correlation id
	requestId := NewId()
	requests := []RequestMessage{
		&AuthMessage{RequestId: requestId},
		&AuthOkMessage{RequestId: requestId},
		&AuthErrorMessage{RequestId: requestId},
		&PushMessage{RequestId: requestId},
		&PushOkMessage{RequestId: requestId},
		&PullMessage{RequestId: requestId},
		&PullOkMessage{RequestId: requestId},
	}
	for _, request := range requests {
		assert.Equal(t, request.MessageRequestId(), requestId)
	}

	// broadcasts are not correlated
	var message Message = &ChangesMessage{}
	_, ok := message.(RequestMessage)
	assert.Equal(t, ok, false)
}
