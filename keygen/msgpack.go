package keygen

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/vmihailenco/msgpack/v5"
)

// MessagePack canonicalizes arguments through a deterministic binary
// serializer (map keys sorted before encoding, since MessagePack itself
// does not guarantee map key order) and hashes the result with SHA-256.
// This is the recommended variant for untrusted, deeply nested input where
// Json's text overhead isn't worth paying.
type MessagePack struct{}

func NewMessagePack() *MessagePack { return &MessagePack{} }

func (MessagePack) Name() string { return NameMessagePack }

func (MessagePack) Generate(req Request) string {
	version, versionValid := versionOf(req.Policy)

	canonicalArgs := make([]any, len(req.Args))
	for i, arg := range req.Args {
		canonicalArgs[i] = canonicalizeForJSON(arg)
	}

	payload := map[string]any{
		"method": string(req.MethodID),
		"args":   canonicalArgs,
	}
	if versionValid {
		payload["version"] = version
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(sortedKeysValue(payload)); err != nil {
		panic("keygen: msgpack canonicalization failed: " + err.Error())
	}

	sum := sha256.Sum256(buf.Bytes())
	key := string(req.MethodID) + ":" + hex.EncodeToString(sum[:])
	return withVersionSuffix(key, version, versionValid)
}
