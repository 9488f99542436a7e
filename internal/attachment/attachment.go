package attachment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

const (
	DefaultMaxBytes    = 5 * 1024 * 1024
	DefaultContentType = "application/pdf"
)

var ErrMalformed = errors.New("attachment must be a base64 data URL")

// Policy limits what may be attached to a request.
type Policy struct {
	MaxBytes     int
	ContentTypes []string
}

func DefaultPolicy() Policy {
	return Policy{MaxBytes: DefaultMaxBytes, ContentTypes: []string{DefaultContentType}}
}

// Decoded is a parsed data URL.
type Decoded struct {
	ContentType string
	Data        []byte
}

// Parse decodes data:<mime>;base64,<payload>.
func Parse(dataURL string) (Decoded, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(dataURL), "data:")
	if !ok {
		return Decoded{}, ErrMalformed
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Decoded{}, ErrMalformed
	}
	mime, enc, ok := strings.Cut(meta, ";")
	if !ok || !strings.EqualFold(enc, "base64") {
		return Decoded{}, ErrMalformed
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Decoded{ContentType: strings.ToLower(strings.TrimSpace(mime)), Data: data}, nil
}

// Encode builds a data URL for raw bytes.
func Encode(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Check parses the data URL and enforces the policy.
func (p Policy) Check(name, dataURL string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("attachment name is required")
	}
	d, err := Parse(dataURL)
	if err != nil {
		return err
	}
	allowed := p.ContentTypes
	if len(allowed) == 0 {
		allowed = []string{DefaultContentType}
	}
	if !lo.Contains(allowed, d.ContentType) {
		return fmt.Errorf("attachment type %s not allowed (accepted: %s)", d.ContentType, strings.Join(allowed, ", "))
	}
	max := p.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	if len(d.Data) > max {
		return fmt.Errorf("attachment is %d bytes; limit is %d", len(d.Data), max)
	}
	return nil
}
