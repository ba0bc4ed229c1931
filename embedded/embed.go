package embedded

import (
	_ "embed"
)

//go:embed defaults.json
var defaults []byte

// Defaults returns the built-in settings as a JSON object of key to value.
func Defaults() []byte {
	return defaults
}
