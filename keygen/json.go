package keygen

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Json canonicalizes arguments through encoding/json with sorted map keys
// (stable across encodings that would otherwise vary map iteration order),
// then hashes the result with SHA-256.
type Json struct{}

func NewJson() *Json { return &Json{} }

func (Json) Name() string { return NameJson }

func (Json) Generate(req Request) string {
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

	encoded, err := json.Marshal(sortedKeysValue(payload))
	if err != nil {
		// json.Marshal only fails on unsupported types (channels, funcs);
		// arguments reaching a key generator are call parameters, never those.
		panic("keygen: json canonicalization failed: " + err.Error())
	}

	sum := sha256.Sum256(encoded)
	key := string(req.MethodID) + ":" + hex.EncodeToString(sum[:])
	return withVersionSuffix(key, version, versionValid)
}

// canonicalizeForJSON recursively sorts map keys so json.Marshal's
// (already-sorted) map encoding is reproducible regardless of how nested
// maps were originally constructed, and normalizes enums to "typename:value".
func canonicalizeForJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return sortedKeysValue(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = canonicalizeForJSON(elem)
		}
		return out
	case Enum:
		return val.TypeName + ":" + val.Value
	case nil:
		return nullToken
	default:
		return val
	}
}

// sortedKeysValue returns a copy of m with every value passed through
// canonicalizeForJSON. The result is still a map: key order on the wire comes
// from the encoder (encoding/json sorts string keys itself); building the
// copy keeps enum/nested canonicalization applied uniformly.
func sortedKeysValue(m map[string]any) map[string]any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(m))
	for _, k := range keys {
		out[k] = canonicalizeForJSON(m[k])
	}
	return out
}
