package cipher

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

func TestCodecPlaintextPassThrough(t *testing.T) {
	cfg := domain.ChannelConfig{Name: "whiteboard"}
	data, enc, err := EncodePayload(nil, cfg, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Empty(t, enc)
	assert.JSONEq(t, `{"a":1}`, string(data))

	msg, err := DecodeMessage(nil, cfg, domain.Message{Data: data})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(msg.Data))
}

func TestCodecEncryptedRoundTrip(t *testing.T) {
	c := newTestCipher(t, 7)
	cfg := domain.ChannelConfig{Name: "signaling", Encrypted: true}

	data, enc, err := EncodePayload(c, cfg, json.RawMessage(`{"to":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EncodingCipher, enc)
	assert.NotContains(t, string(data), `"to"`)

	msg, err := DecodeMessage(c, cfg, domain.Message{ID: "m1", Data: data, Encoding: enc})
	require.NoError(t, err)
	assert.JSONEq(t, `{"to":"b"}`, string(msg.Data))
	assert.Empty(t, msg.Encoding)
}

func TestCodecDecryptionErrors(t *testing.T) {
	c := newTestCipher(t, 7)
	cfg := domain.ChannelConfig{Name: "signaling", Encrypted: true}

	_, _, err := EncodePayload(nil, cfg, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = DecodeMessage(c, cfg, domain.Message{ID: "m2", Data: json.RawMessage(`{"plain":true}`)})
	var decErr *domain.DecryptionError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, "m2", decErr.MessageID)
	assert.ErrorIs(t, err, domain.ErrDecryption)

	data, enc, err := EncodePayload(newTestCipher(t, 8), cfg, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = DecodeMessage(c, cfg, domain.Message{ID: "m3", Data: data, Encoding: enc})
	assert.ErrorIs(t, err, domain.ErrDecryption)
}
