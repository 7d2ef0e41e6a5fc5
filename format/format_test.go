package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jon-ruckwood/lagom/message"
)

type order struct {
	ID    string            `json:"id" cbor:"id"`
	Items []string          `json:"items" cbor:"items"`
	Qty   int               `json:"qty" cbor:"qty"`
	Tags  map[string]string `json:"tags,omitempty" cbor:"tags,omitempty"`
}

func TestRoundTrip(t *testing.T) {
	values := []order{
		{ID: "a-1", Items: []string{"tea", "milk"}, Qty: 2},
		{ID: "", Items: []string{}, Qty: -7, Tags: map[string]string{"k": "v", "ü": "ß"}},
	}
	for _, c := range []Codec{JSON(), CBOR()} {
		for _, v := range values {
			data, err := c.Marshal(v)
			require.NoError(t, err, c.Protocol().ContentType)

			var got order
			require.NoError(t, c.Unmarshal(data, &got))
			assert.Equal(t, v, got, c.Protocol().ContentType)
		}
	}
}

func TestProtoRoundTrip(t *testing.T) {
	c := Proto()
	st, err := structpb.NewStruct(map[string]any{"name": "lagom", "replicas": 3.0})
	require.NoError(t, err)

	for _, v := range []proto.Message{wrapperspb.String("hello"), st} {
		data, err := c.Marshal(v)
		require.NoError(t, err)

		got := v.ProtoReflect().New().Interface()
		require.NoError(t, c.Unmarshal(data, got))
		assert.True(t, proto.Equal(v, got))
	}

	_, err = c.Marshal(order{ID: "x"})
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(nil, &order{}))
}

func TestCBORIsDeterministic(t *testing.T) {
	v := map[string]int{"b": 2, "a": 1, "c": 3}
	first, err := CBOR().Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := CBOR().Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, "application/json", r.Default().Protocol().ContentType)
	assert.Equal(t, []string{"application/json", "application/cbor", "application/x-protobuf"},
		message.ContentTypes(r.Protocols()))

	c, ok := r.Get(message.MessageProtocol{ContentType: "APPLICATION/CBOR"})
	require.True(t, ok)
	assert.Equal(t, "application/cbor", c.Protocol().ContentType)

	c, ok = r.Get(message.MessageProtocol{})
	require.True(t, ok)
	assert.Equal(t, "application/json", c.Protocol().ContentType)

	_, ok = r.Get(message.MessageProtocol{ContentType: "text/xml"})
	assert.False(t, ok)

	// replacing keeps one codec per content type
	r2 := r.With(JSON())
	assert.Len(t, r2.Protocols(), 3)
	assert.Equal(t, "application/cbor", r2.Default().Protocol().ContentType)
	assert.Nil(t, NewRegistry().Default())
}

func TestNegotiate(t *testing.T) {
	r := DefaultRegistry()

	c, ok := r.Negotiate(message.ParseAccept("text/xml, application/cbor;q=0.8, application/json;q=0.5"))
	require.True(t, ok)
	assert.Equal(t, "application/cbor", c.Protocol().ContentType)

	c, ok = r.Negotiate(nil)
	require.True(t, ok)
	assert.Equal(t, "application/json", c.Protocol().ContentType)

	c, ok = r.Negotiate(message.ParseAccept("*/*"))
	require.True(t, ok)
	assert.Equal(t, "application/json", c.Protocol().ContentType)

	_, ok = r.Negotiate(message.ParseAccept("text/xml"))
	assert.False(t, ok)
}
