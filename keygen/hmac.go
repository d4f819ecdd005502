package keygen

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HMAC keys the canonical argument encoding with a caller-supplied secret,
// for method call sites where argument values may be adversarially chosen
// and a plain hash's collision resistance isn't enough to rule out
// intentional cache-key collisions.
type HMAC struct {
	secret []byte
}

// NewHMAC builds an HMAC generator keyed by secret. secret must be kept
// confidential; rotating it invalidates every previously generated key.
func NewHMAC(secret []byte) *HMAC {
	return &HMAC{secret: append([]byte(nil), secret...)}
}

func (HMAC) Name() string { return NameHMAC }

func (h *HMAC) Generate(req Request) string {
	version, versionValid := versionOf(req.Policy)
	data := CanonicalArgs(string(req.MethodID), req.Args, version, versionValid)

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(data)
	key := string(req.MethodID) + ":" + hex.EncodeToString(mac.Sum(nil))
	return withVersionSuffix(key, version, versionValid)
}
