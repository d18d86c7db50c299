// Package protocol implements the plaintext layout of the field nodes' encrypted
// GATT characteristics: short ASCII values, ';'-delimited, padded to a fixed
// 16-byte block before sealing.
package protocol

import (
	"bytes"
	"strings"
)

// BlockSize is the padded plaintext length of a written characteristic value.
const BlockSize = 16

// Separator delimits fields and pads blocks.
const Separator = ';'

// EncodeField terminates value with Separator and right-pads it with Separator
// to BlockSize bytes. Values that already fill the block are only terminated.
func EncodeField(value string) []byte {
	buf := make([]byte, 0, BlockSize)
	buf = append(buf, value...)
	buf = append(buf, Separator)
	for len(buf) < BlockSize {
		buf = append(buf, Separator)
	}
	return buf
}

// DecodeFields cuts plaintext at the first NUL byte, splits the rest on
// Separator and drops empty fields (padding and trailing terminators).
func DecodeFields(plaintext []byte) []string {
	if i := bytes.IndexByte(plaintext, 0); i >= 0 {
		plaintext = plaintext[:i]
	}
	parts := strings.Split(string(plaintext), string(Separator))
	fields := parts[:0]
	for _, p := range parts {
		if p != "" {
			fields = append(fields, p)
		}
	}
	return fields
}

// FirstField returns the value a node echoes back after a write: the text before
// the first Separator of the NUL-terminated plaintext.
func FirstField(plaintext []byte) string {
	if i := bytes.IndexByte(plaintext, 0); i >= 0 {
		plaintext = plaintext[:i]
	}
	if i := bytes.IndexByte(plaintext, Separator); i >= 0 {
		plaintext = plaintext[:i]
	}
	return string(plaintext)
}
