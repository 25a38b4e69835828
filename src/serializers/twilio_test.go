package serializers

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-bridge/src/frames"
)

func TestTwilioSerializer_DecodeStart(t *testing.T) {
	s := NewTwilioSerializer()
	ev, err := s.Decode([]byte(`{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","callSid":"CA1","accountSid":"AC1","customParameters":{"from":"+15550100","maxDuration":"60"}},"streamSid":"MZ1"}`))
	require.NoError(t, err)

	start, ok := ev.(*frames.StartEvent)
	require.True(t, ok)
	assert.Equal(t, "MZ1", start.StreamID)
	assert.Equal(t, "CA1", start.CallID)
	assert.Equal(t, "60", start.CustomParams["maxDuration"])
	assert.Equal(t, "MZ1", s.StreamSid())
	assert.Equal(t, "CA1", s.CallSid())
}

func TestTwilioSerializer_DecodeMedia(t *testing.T) {
	s := NewTwilioSerializer()
	payload := base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F, 0x00})
	ev, err := s.Decode([]byte(`{"event":"media","media":{"track":"inbound","chunk":"4","timestamp":"1520","payload":"` + payload + `"}}`))
	require.NoError(t, err)

	media, ok := ev.(*frames.MediaEvent)
	require.True(t, ok)
	assert.Equal(t, []byte{0xFF, 0x7F, 0x00}, media.Audio.Payload)
	assert.Equal(t, 1520*time.Millisecond, media.Audio.Timestamp)
	assert.Equal(t, frames.OriginCaller, media.Audio.Origin)
	assert.Equal(t, 4, media.Chunk)
}

func TestTwilioSerializer_DecodeMarkStopAndIgnored(t *testing.T) {
	s := NewTwilioSerializer()

	ev, err := s.Decode([]byte(`{"event":"mark","mark":{"name":"resp_1:3"}}`))
	require.NoError(t, err)
	assert.Equal(t, &frames.MarkEvent{MarkName: "resp_1:3"}, ev)

	ev, err = s.Decode([]byte(`{"event":"stop","stop":{"callSid":"CA1"}}`))
	require.NoError(t, err)
	assert.IsType(t, &frames.StopEvent{}, ev)

	ev, err = s.Decode([]byte(`{"event":"connected","protocol":"Call","version":"1.0.0"}`))
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestTwilioSerializer_DecodeMalformed(t *testing.T) {
	s := NewTwilioSerializer()
	for _, raw := range []string{
		`not json`,
		`{"event":"media"}`,
		`{"event":"media","media":{"payload":"%%%"}}`,
		`{"event":"whatever"}`,
		`{"event":"start"}`,
	} {
		_, err := s.Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestTwilioSerializer_Encode(t *testing.T) {
	s := NewTwilioSerializer()
	_, err := s.Decode([]byte(`{"event":"start","start":{"streamSid":"MZ9","callSid":"CA9"}}`))
	require.NoError(t, err)

	data, err := s.EncodeMedia([]byte{1, 2, 3})
	require.NoError(t, err)
	var media map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &media))
	assert.Equal(t, "media", media["event"])
	assert.Equal(t, "MZ9", media["streamSid"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), media["media"].(map[string]interface{})["payload"])

	data, err = s.EncodeClear()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"clear","streamSid":"MZ9"}`, string(data))

	data, err = s.EncodeMark("r1:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"mark","streamSid":"MZ9","mark":{"name":"r1:1"}}`, string(data))
}
