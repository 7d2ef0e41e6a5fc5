package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageProtocol(t *testing.T) {
	p, err := ParseMessageProtocol("application/json; charset=utf-8; version=2")
	require.NoError(t, err)
	assert.Equal(t, MessageProtocol{ContentType: "application/json", Charset: "utf-8", Version: "2"}, p)
	assert.True(t, p.IsText())
	assert.True(t, p.IsUTF8())

	p, err = ParseMessageProtocol("")
	require.NoError(t, err)
	assert.True(t, p.IsZero())

	_, err = ParseMessageProtocol("not a media type;;")
	assert.Error(t, err)
}

func TestProtocolString(t *testing.T) {
	p := MessageProtocol{ContentType: "application/json"}.WithCharset("utf-8")
	assert.Equal(t, "application/json; charset=utf-8", p.String())
	assert.Equal(t, "", MessageProtocol{}.String())

	parsed, err := ParseMessageProtocol(p.WithVersion("3").String())
	require.NoError(t, err)
	assert.Equal(t, "3", parsed.Version)
}

func TestParseAcceptOrdering(t *testing.T) {
	accepted := ParseAccept("text/plain;q=0.5, application/cbor, application/json;q=0.9, bogus;;, image/png;q=0")
	assert.Equal(t, []string{"application/cbor", "application/json", "text/plain"}, ContentTypes(accepted))

	assert.Empty(t, ParseAccept(""))
}

func TestMatches(t *testing.T) {
	json := MessageProtocol{ContentType: "application/json", Charset: "utf-8", Version: "1"}

	tests := []struct {
		accept MessageProtocol
		want   bool
	}{
		{MessageProtocol{}, true},
		{MessageProtocol{ContentType: "*/*"}, true},
		{MessageProtocol{ContentType: "application/*"}, true},
		{MessageProtocol{ContentType: "text/*"}, false},
		{MessageProtocol{ContentType: "APPLICATION/JSON"}, true},
		{MessageProtocol{ContentType: "application/cbor"}, false},
		{MessageProtocol{ContentType: "application/json", Version: "1"}, true},
		{MessageProtocol{ContentType: "application/json", Version: "2"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.accept.Matches(json), "accept %q", tt.accept.ContentType)
	}
}
