package mailutil

import (
	"io"
	"mime"

	"golang.org/x/text/encoding/htmlindex"
)

// RobustWordDecoder is a mime.WordDecoder which never returns an error. It
// also tries to resolve charsets which are not supported by the default
// mime.WordDecoder.
var RobustWordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		if enc, err := htmlindex.Get(charset); err == nil {
			return enc.NewDecoder().Reader(input), nil
		}
		return input, nil
	},
}

// RobustWordDecode decodes all encoded-words of the given string. On decode
// failure the raw input is returned unchanged.
func RobustWordDecode(input string) string {
	result, err := RobustWordDecoder.DecodeHeader(input)
	if err != nil {
		return input
	}
	return result
}
