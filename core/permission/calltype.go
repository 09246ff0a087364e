package permission

import "strings"

// CallType is the 4-byte restriction mask carried by an AllowedCalls entry.
type CallType uint32

const (
	CallTypeValue        CallType = 1 << 0
	CallTypeCall         CallType = 1 << 1
	CallTypeStaticCall   CallType = 1 << 2
	CallTypeDelegateCall CallType = 1 << 3
)

// Allows reports whether every bit of want is present in t.
func (t CallType) Allows(want CallType) bool { return t&want == want }

func (t CallType) String() string {
	var parts []string
	if t&CallTypeValue != 0 {
		parts = append(parts, "VALUE")
	}
	if t&CallTypeCall != 0 {
		parts = append(parts, "CALL")
	}
	if t&CallTypeStaticCall != 0 {
		parts = append(parts, "STATICCALL")
	}
	if t&CallTypeDelegateCall != 0 {
		parts = append(parts, "DELEGATECALL")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}
