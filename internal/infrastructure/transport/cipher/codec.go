package cipher

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

var ErrNoKey = errors.New("channel is encrypted but no cipher key is configured")

// EncodePayload prepares data for publishing on cfg. Plaintext channels pass
// data through untouched.
func EncodePayload(c *Cipher, cfg domain.ChannelConfig, data json.RawMessage) (json.RawMessage, string, error) {
	if !cfg.Encrypted {
		return data, "", nil
	}
	if c == nil {
		return nil, "", ErrNoKey
	}
	sealed, err := c.Seal(cfg.Name, data)
	if err != nil {
		return nil, "", err
	}
	raw, err := json.Marshal(sealed)
	if err != nil {
		return nil, "", err
	}
	return raw, domain.EncodingCipher, nil
}

// DecodeMessage opens msg in place. A plaintext message on an encrypted
// channel is rejected the same way as a mis-keyed one.
func DecodeMessage(c *Cipher, cfg domain.ChannelConfig, msg domain.Message) (domain.Message, error) {
	if !cfg.Encrypted {
		return msg, nil
	}

	fail := func(cause error) (domain.Message, error) {
		return msg, &domain.DecryptionError{Channel: cfg.Name, MessageID: msg.ID, Cause: cause}
	}
	if c == nil {
		return fail(ErrNoKey)
	}
	if msg.Encoding != domain.EncodingCipher {
		return fail(fmt.Errorf("unexpected encoding %q", msg.Encoding))
	}

	var sealed string
	if err := json.Unmarshal(msg.Data, &sealed); err != nil {
		return fail(err)
	}
	plain, err := c.Open(cfg.Name, sealed)
	if err != nil {
		return fail(err)
	}
	if !json.Valid(plain) {
		return fail(errors.New("decrypted payload is not JSON"))
	}

	msg.Data = plain
	msg.Encoding = ""
	return msg, nil
}
