package core

import "strings"

// Mode is a set of backpressure flags.
type Mode uint8

const (
	// Blocking makes a sender wait until the module finished dispatching its
	// previous output. It is the default.
	Blocking Mode = 1 << iota
	// Skip drops input that arrives while the module is busy.
	Skip
	// WaitForAll makes a join fire only after every prev delivered.
	WaitForAll
)

// DefaultMode is the mode of a freshly created module.
const DefaultMode = Blocking

// Has reports whether all flags of f are set.
func (m Mode) Has(f Mode) bool {
	return m&f == f
}

func (m Mode) String() string {
	var parts []string
	if m.Has(Blocking) {
		parts = append(parts, "BLOCKING")
	}
	if m.Has(Skip) {
		parts = append(parts, "SKIP")
	}
	if m.Has(WaitForAll) {
		parts = append(parts, "WAIT_FOR_ALL")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// ParseMode parses a "|" or "," separated list of mode names.
func ParseMode(s string) (Mode, bool) {
	var m Mode
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.ToUpper(strings.TrimSpace(p)) {
		case "BLOCKING":
			m |= Blocking
		case "SKIP":
			m |= Skip
		case "WAIT_FOR_ALL":
			m |= WaitForAll
		default:
			return 0, false
		}
	}
	if m == 0 {
		return DefaultMode, true
	}
	return m, true
}
