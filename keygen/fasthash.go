package keygen

import (
	"hash/fnv"
	"strconv"
)

// FastHash is the low-overhead generator: 64-bit FNV-1a over the canonical
// argument encoding. Sufficient when the method scope is narrow (distinct
// method ids keep collisions improbable); not a defense against adversarial
// input, see HMAC for that.
type FastHash struct{}

func NewFastHash() *FastHash { return &FastHash{} }

func (FastHash) Name() string { return NameFastHash }

func (FastHash) Generate(req Request) string {
	version, versionValid := versionOf(req.Policy)
	data := CanonicalArgs(string(req.MethodID), req.Args, version, versionValid)

	h := fnv.New64a()
	h.Write(data)
	key := string(req.MethodID) + ":" + strconv.FormatUint(h.Sum64(), 16)
	return withVersionSuffix(key, version, versionValid)
}
