// Package json centralizes JSON encoding for the SDK. Recorded payloads are
// compared structurally during replay, so every component must encode the
// same way.
package json

import jsoniter "github.com/json-iterator/go"

var (
	// JSON is the jsoniter instance used throughout the codebase.
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal
	Unmarshal = JSON.Unmarshal

	// NewDecoder is a shorthand for JSON.NewDecoder
	NewDecoder = JSON.NewDecoder

	// NewEncoder is a shorthand for JSON.NewEncoder
	NewEncoder = JSON.NewEncoder
)

// Valid reports whether data is well-formed JSON.
func Valid(data []byte) bool {
	return JSON.Valid(data)
}

// MustMarshal marshals v and panics on failure. Reserved for values the SDK
// built itself (span records, fingerprints), which are marshalable by
// construction.
func MustMarshal(v interface{}) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
