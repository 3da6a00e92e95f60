package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, randomHex(8))
}

// GenerateAnonymousID returns the client id handed to callers that present
// no identity credential
func GenerateAnonymousID() string {
	return GenerateID("anonymous")
}

func GenerateConnectionID() string {
	return GenerateID("conn")
}

func GenerateRequestID() string {
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), randomHex(4))
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
