package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ValidateSignature checks a comma-separated signature header of the form
// "t=<unix ts>,v1=<hex hmac>" where v1 is HMAC-SHA256 over
// timestamp + "." + rawPayload under the shared secret. The digest comparison
// is constant time.
func ValidateSignature(signature string, payload []byte, secret []byte) bool {
	var ts, v1 string
	for _, part := range strings.Split(signature, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			v1 = kv[1]
		}
	}
	if ts == "" || v1 == "" {
		return false
	}
	got, err := hex.DecodeString(v1)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
