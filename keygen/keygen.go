package keygen

import (
	"strconv"

	"github.com/cachemesh/runtime/policy"
)

// Request is the input to a Generator: a method id, its call arguments, and
// the effective policy (whose Version, if set, is folded into the key so
// bumping it invalidates old entries without a separate flush).
type Request struct {
	MethodID policy.MethodID
	Args     []any
	Policy   policy.CachePolicy
}

// Generator produces a deterministic cache key for a Request. Implementations
// must be safe for concurrent use.
type Generator interface {
	// Name identifies the generator variant, matching CachePolicy.KeyGeneratorType.
	Name() string
	Generate(req Request) string
}

// Names of the built-in generator variants, matching the values
// CachePolicy.KeyGeneratorType is expected to carry.
const (
	NameFastHash    = "fasthash"
	NameHMAC        = "hmac"
	NameJson        = "json"
	NameMessagePack = "msgpack"
	NameSmart       = "smart"
)

// Registry resolves a CachePolicy.KeyGeneratorType string to a Generator.
type Registry struct {
	generators map[string]Generator
	fallback   Generator
}

// NewRegistry builds a Registry with the built-in variants registered and
// fallback as the generator used when a policy names an unknown or empty
// KeyGeneratorType.
func NewRegistry(fallback Generator) *Registry {
	r := &Registry{generators: make(map[string]Generator), fallback: fallback}
	r.Register(NewFastHash())
	r.Register(NewJson())
	r.Register(NewSmart())
	r.Register(NewMessagePack())
	return r
}

// Register adds or replaces a generator under its own Name().
func (r *Registry) Register(g Generator) {
	r.generators[g.Name()] = g
}

// Resolve returns the generator for keyGeneratorType, or the registry's
// fallback if the name is empty or unrecognized.
func (r *Registry) Resolve(keyGeneratorType string) Generator {
	if keyGeneratorType == "" {
		return r.fallback
	}
	if g, ok := r.generators[keyGeneratorType]; ok {
		return g
	}
	return r.fallback
}

func versionOf(p policy.CachePolicy) (int64, bool) {
	return p.Version.Value, p.Version.Valid
}

// withVersionSuffix appends the "::v{N}" suffix every generator's returned
// key must carry when the policy pins a version, so every generator variant
// ends its key in the same literal suffix for the same version. This is the
// literal suffix
// on the returned string; it is separate from (and in addition to) folding
// the version into the pre-hash canonical byte stream via CanonicalArgs.
func withVersionSuffix(key string, version int64, versionValid bool) string {
	if !versionValid {
		return key
	}
	return key + "::v" + strconv.FormatInt(version, 10)
}
