// Package keygen implements the cache key generator variants: FastHash,
// HMAC, Json, MessagePack and Smart. FastHash and HMAC hash the shared
// canonical byte stream built by the rules in this file; Json and MessagePack
// hash a sorted-key structured encoding of the arguments; Smart renders the
// arguments readably and uses the canonical stream only for its hash suffix.
// Each generator returns the same key for the same (methodId, args, policy
// version); different generators return different keys for the same call.
package keygen

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// nullToken stands in for an explicit null argument; it is never a value a
// real string argument would canonicalize to, since Canonicalize always
// length-prefixes real strings.
const nullToken = "_NULL"

// Canonicalize writes arg's canonical encoding to sb per the argument
// canonicalization rules: integers in decimal, booleans as True/False,
// floats in round-trippable form, date/times as a canonical numeric
// representation with explicit offset, strings length-delimited UTF-8, null
// as the literal token _NULL, enums as typename:value, nested maps/slices
// recursively with sorted map keys.
func Canonicalize(sb *strings.Builder, arg any) {
	switch v := arg.(type) {
	case nil:
		sb.WriteString(nullToken)
	case bool:
		if v {
			sb.WriteString("True")
		} else {
			sb.WriteString("False")
		}
	case int:
		sb.WriteString(strconv.FormatInt(int64(v), 10))
	case int32:
		sb.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(v, 10))
	case uint:
		sb.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint64:
		sb.WriteString(strconv.FormatUint(v, 10))
	case float32:
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	case float64:
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	case string:
		fmt.Fprintf(sb, "%d:%s", len(v), v)
	case time.Time:
		sb.WriteString(strconv.FormatInt(v.UnixNano(), 10))
		sb.WriteByte('@')
		_, offset := v.Zone()
		sb.WriteString(strconv.Itoa(offset))
	case Enum:
		fmt.Fprintf(sb, "%s:%s", v.TypeName, v.Value)
	case []any:
		sb.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			Canonicalize(sb, elem)
		}
		sb.WriteByte(']')
	case map[string]any:
		sb.WriteByte('{')
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(sb, "%d:%s=", len(k), k)
			Canonicalize(sb, v[k])
		}
		sb.WriteByte('}')
	default:
		fmt.Fprintf(sb, "%v", v)
	}
}

// Enum models an enum argument as its declaring type name plus its value,
// canonicalized as "typename:value".
type Enum struct {
	TypeName string
	Value    string
}

// CanonicalArgs renders methodId and args through Canonicalize into one
// byte stream, joined by '|' separators, with an optional policy version
// suffix. This is the shared input every hash-based generator consumes.
func CanonicalArgs(methodID string, args []any, version int64, versionValid bool) []byte {
	var sb strings.Builder
	sb.WriteString(methodID)
	for _, arg := range args {
		sb.WriteByte('|')
		Canonicalize(&sb, arg)
	}
	if versionValid {
		sb.WriteString("|v:")
		sb.WriteString(strconv.FormatInt(version, 10))
	}
	return []byte(sb.String())
}
