// Package encoding provides centralized msgpack serialization for finkstream.
// Record payloads in the science store, job checkpoints, raw msgpack alert
// files and the msgpack distribution format all go through this package so
// that every component decodes values the same way.
//
// Thread Safety: Marshal, Unmarshal and DecodeStream are safe for concurrent use.
//
// Type Preservation: When decoding into interface{}, msgpack strings decode as
// Go strings (not []byte) and maps decode as map[string]interface{}. Filter
// rules and the schema adapter rely on both.
package encoding

import (
	"bytes"
	"errors"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
func Unmarshal(data []byte, v interface{}) error {
	return newDecoder(bytes.NewReader(data)).Decode(v)
}

// DecodeStream decodes consecutive msgpack maps from r until EOF, calling fn
// for each one. Decoding stops at the first error returned by fn.
func DecodeStream(r io.Reader, fn func(map[string]interface{}) error) error {
	dec := newDecoder(r)
	for {
		var m map[string]interface{}
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
}

func newDecoder(r io.Reader) *msgpack.Decoder {
	dec := msgpack.NewDecoder(r)
	// Loose decoding: bin -> string, all ints -> int64, all floats -> float64
	dec.UseLooseInterfaceDecoding(true)
	return dec
}
