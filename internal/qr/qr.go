// Package qr renders payment links as scannable QR codes.
package qr

import (
	"errors"
	"image/color"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 256

// ErrEmptyContent is returned when there is no link to encode.
var ErrEmptyContent = errors.New("qr: content is empty")

// Encode renders content as a black-on-white PNG of size×size pixels with medium error
// correction. It has no side effects.
func Encode(content string, size int) ([]byte, error) {
	code, err := newCode(content)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultSize
	}
	code.ForegroundColor = color.Black
	code.BackgroundColor = color.White
	return code.PNG(size)
}

// Terminal renders content with Unicode half blocks for display in a terminal.
func Terminal(content string) (string, error) {
	code, err := newCode(content)
	if err != nil {
		return "", err
	}
	return code.ToSmallString(false), nil
}

func newCode(content string) (*qrcode.QRCode, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	return qrcode.New(content, qrcode.Medium)
}
