package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailcast/tailcast/pkg/tailcast/source"
)

func TestEncodeStampsIncreasingSequence(t *testing.T) {
	codec := NewCodec()

	for want := uint64(1); want <= 3; want++ {
		frame, err := codec.Encode(source.Entry{Raw: []byte("line")})
		require.NoError(t, err)

		var msg Message
		require.NoError(t, json.Unmarshal(frame, &msg))
		assert.Equal(t, want, msg.Seq)
		assert.Empty(t, msg.Kind, "event frames carry no kind")
	}
}

func TestEncodeStructuredEntry(t *testing.T) {
	frame, err := NewCodec().Encode(source.Entry{
		Fields: []source.Field{
			{Key: "level", Value: "info"},
			{Key: "msg", Value: "started"},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":1,"d":{"level":"info","msg":"started"}}`, string(frame))
}

func TestEncodeRawEntry(t *testing.T) {
	frame, err := NewCodec().Encode(source.Entry{Raw: []byte("plain line")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":1,"d":"plain line"}`, string(frame))
}

func TestDecodeHandshake(t *testing.T) {
	msg, err := Decode([]byte(`{"k":"h","tok":"s3cret"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageKindHandshake, msg.Kind)
	assert.Equal(t, "s3cret", msg.Token)
}

func TestDecodeRejectsMalformedFrame(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
}

func TestControlFrames(t *testing.T) {
	var ack Message
	require.NoError(t, json.Unmarshal(Ack(), &ack))
	assert.Equal(t, MessageKindAck, ack.Kind)

	var nack Message
	require.NoError(t, json.Unmarshal(Nack("bad frame"), &nack))
	assert.Equal(t, MessageKindNack, nack.Kind)
	assert.Equal(t, "bad frame", nack.Error)
}
