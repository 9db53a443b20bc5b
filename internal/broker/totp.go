package broker

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// totpStep is the time step the SmartAPI authenticator enrollment uses.
const totpStep = 30 * time.Second

// generateTOTP derives the 6-digit one-time password for a base32
// secret, RFC 6238 with HMAC-SHA1. The enrollment QR hands the secret
// out once; the engine keeps it in Vault and derives codes at login.
func generateTOTP(secret string, now time.Time) (string, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	normalized = strings.TrimRight(normalized, "=")
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized)
	if err != nil {
		return "", fmt.Errorf("decode TOTP secret: %w", err)
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(now.Unix())/uint64(totpStep/time.Second))

	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	// dynamic truncation per RFC 4226 section 5.3
	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset : offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1000000), nil
}
