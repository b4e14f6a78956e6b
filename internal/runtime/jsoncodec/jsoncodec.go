package jsoncodec

import (
	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// PeekString reads a top-level string field without decoding the whole
// document. It returns "" when the field is missing or not a string.
func PeekString(data []byte, key string) string {
	node, err := sonic.Get(data, key)
	if err != nil {
		return ""
	}
	value, err := node.StrictString()
	if err != nil {
		return ""
	}
	return value
}
