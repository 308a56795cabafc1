package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Encoding turns a flat wire object into bytes and back.
type Encoding interface {
	Name() string
	Marshal(fields map[string]any) ([]byte, error)
	Unmarshal(data []byte) (map[string]any, error)
}

// JSON is the default encoding: UTF-8 text, non-ASCII left unescaped.
var JSON Encoding = jsonEncoding{}

// CBOR is a compact binary alternative for deployments where both ends
// run this module.
var CBOR Encoding

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	// Maps decode as map[string]any so envelopes go through the same
	// FromFields path as JSON.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
	CBOR = cborEncoding{}
}

// EncodingByName resolves a config value.
func EncodingByName(name string) (Encoding, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
}

type jsonEncoding struct{}

func (jsonEncoding) Name() string { return "json" }

func (jsonEncoding) Marshal(fields map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (jsonEncoding) Unmarshal(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("message is not a JSON object")
	}
	// Two messages coalesced into one read land here in legacy framing.
	if dec.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	return fields, nil
}

type cborEncoding struct{}

func (cborEncoding) Name() string { return "cbor" }

func (cborEncoding) Marshal(fields map[string]any) ([]byte, error) {
	return cborEnc.Marshal(normalizeNumbers(fields))
}

func (cborEncoding) Unmarshal(data []byte) (map[string]any, error) {
	var fields map[string]any
	if err := cborDec.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("message is not a CBOR map")
	}
	return fields, nil
}

// normalizeNumbers replaces json.Number values, which CBOR would
// otherwise write as text, with real integers or floats.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeNumbers(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeNumbers(item)
		}
		return out
	default:
		return v
	}
}
