package loader

import (
	"bytes"
	"context"
	"fmt"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Text loads plain text and markdown files as-is.
type Text struct{}

// Load validates UTF-8 and strips a byte-order mark.
func (Text) Load(_ context.Context, _ string, data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", fmt.Errorf("file is not valid utf-8")
	}
	return string(data), nil
}
