package keygen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// smartMaxLength bounds the human-readable portion of a Smart key before it
// falls back to a hash suffix; long enough to stay useful in logs, short
// enough to avoid pathological key sizes from large argument lists.
const smartMaxLength = 200

// Smart produces a key readable in logs and dashboards:
// "method(arg1, arg2, ...)", falling back to a truncated-plus-hash form once
// the argument list grows past smartMaxLength. It does not reflect over
// closures or captured variables; only the explicit Args are rendered.
type Smart struct{}

func NewSmart() *Smart { return &Smart{} }

func (Smart) Name() string { return NameSmart }

func (Smart) Generate(req Request) string {
	var sb strings.Builder
	sb.WriteString(string(req.MethodID))
	sb.WriteByte('(')
	for i, arg := range req.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(renderArg(arg))
	}
	sb.WriteByte(')')

	version, versionValid := versionOf(req.Policy)
	readable := withVersionSuffix(sb.String(), version, versionValid)
	if len(readable) <= smartMaxLength {
		return readable
	}

	data := CanonicalArgs(string(req.MethodID), req.Args, version, versionValid)
	sum := sha256.Sum256(data)
	return readable[:smartMaxLength] + "#" + hex.EncodeToString(sum[:8])
}

func renderArg(arg any) string {
	switch v := arg.(type) {
	case nil:
		return nullToken
	case string:
		return v
	case Enum:
		return v.TypeName + ":" + v.Value
	default:
		return fmt.Sprintf("%v", v)
	}
}
