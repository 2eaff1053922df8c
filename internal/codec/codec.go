// Package codec implements the multicodec envelope (spec §6): a
// single-byte tag identifying the serialisation of the body that follows,
// for Invoke.args and InterComponent.payload. Three codecs are defined:
// a Borsh-like fixed binary layout, CBOR, and JSON. No multicodec or CBOR
// library appears anywhere in the retrieved corpus, so both the envelope
// and the CBOR encoder/decoder below are hand-rolled against the spec's
// narrow wire shapes (see DESIGN.md for the stdlib justification).
package codec

import "fmt"

// Tag identifies the codec a multicodec envelope's body is encoded with.
type Tag byte

const (
	TagBinary Tag = 0
	TagCBOR   Tag = 1
	TagJSON   Tag = 2
)

func (t Tag) String() string {
	switch t {
	case TagBinary:
		return "binary"
	case TagCBOR:
		return "cbor"
	case TagJSON:
		return "json"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// UnknownTagError reports an envelope whose leading byte does not match any
// known codec tag.
type UnknownTagError struct{ Tag byte }

func (e *UnknownTagError) Error() string { return fmt.Sprintf("codec: unknown multicodec tag %#x", e.Tag) }

// EmptyEnvelopeError reports an attempt to decode a zero-length envelope.
type EmptyEnvelopeError struct{}

func (e *EmptyEnvelopeError) Error() string { return "codec: envelope is empty" }

// Encode prepends tag to body, producing a multicodec envelope.
func Encode(tag Tag, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(tag))
	out = append(out, body...)
	return out
}

// Decode splits envelope into its declared tag and body. It does not
// validate that tag is a known value the caller will actually act on;
// callers that need a known codec should check the result against the
// Tag constants themselves (or use ParseHealth's permissive fallback).
func Decode(envelope []byte) (Tag, []byte, error) {
	if len(envelope) == 0 {
		return 0, nil, &EmptyEnvelopeError{}
	}
	return Tag(envelope[0]), envelope[1:], nil
}
