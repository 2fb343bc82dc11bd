package credentials

// DefaultSet names a built-in credential set that firmware falls back to
type DefaultSet string

const (
	DefaultKasa       DefaultSet = "KASA"
	DefaultTapo       DefaultSet = "TAPO"
	DefaultTapoCamera DefaultSet = "TAPOCAMERA"
	DefaultKasaCamera DefaultSet = "KASACAMERA"
)

var defaults = map[DefaultSet][2]string{
	DefaultKasa:       {"kasa@tp-link.net", "kasaSetup"},
	DefaultTapo:       {"test@tp-link.net", "test"},
	DefaultTapoCamera: {"admin", "admin"},
	DefaultKasaCamera: {"admin", "admin"},
}

// Default returns a fresh Credentials value for a built-in set. Unknown
// names return blank credentials.
func Default(set DefaultSet) *Credentials {
	pair, ok := defaults[set]
	if !ok {
		return Blank()
	}
	return New(pair[0], pair[1])
}
