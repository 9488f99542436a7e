package attachment

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	url := Encode("application/pdf", []byte("%PDF-1.4"))
	d, err := Parse(url)
	require.NoError(t, err)
	require.Equal(t, "application/pdf", d.ContentType)
	require.Equal(t, []byte("%PDF-1.4"), d.Data)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "hello", "data:application/pdf,abc", "data:application/pdf;base64,@@@"} {
		_, err := Parse(in)
		require.ErrorIs(t, err, ErrMalformed, in)
	}
}

func TestPolicyCheck(t *testing.T) {
	p := Policy{MaxBytes: 16, ContentTypes: []string{"application/pdf"}}
	require.NoError(t, p.Check("a.pdf", Encode("application/pdf", []byte("small"))))

	err := p.Check("a.png", Encode("image/png", []byte("x")))
	require.ErrorContains(t, err, "not allowed")

	err = p.Check("big.pdf", Encode("application/pdf", bytes.Repeat([]byte("x"), 17)))
	require.ErrorContains(t, err, "limit")

	require.Error(t, p.Check("", Encode("application/pdf", []byte("x"))))
}

func TestDefaultPolicyLimit(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Check("ok.pdf", Encode("application/pdf", make([]byte, DefaultMaxBytes))))
	require.Error(t, p.Check("big.pdf", Encode("application/pdf", make([]byte, DefaultMaxBytes+1))))
}
