package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Sign produces the outbound delivery signature the gateway can use to
// authenticate a webhook: HMAC-SHA256 over "<timestamp>.<body>".
func Sign(secret string, body []byte) (signature string, timestamp int64) {
	timestamp = time.Now().Unix()
	return signAt(secret, body, timestamp), timestamp
}

// Verify checks a signature produced by Sign.
func Verify(secret string, body []byte, timestamp int64, signature string) bool {
	expected := signAt(secret, body, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func signAt(secret string, body []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp, body)
	return fmt.Sprintf("v1=%s", hex.EncodeToString(mac.Sum(nil)))
}
