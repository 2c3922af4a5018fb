package intent

import "encoding/json"

// EncodeComponent serializes a native component value to the byte form
// EngineCommands and timeline records carry. JSON keeps the wire format
// human-inspectable in logs and persisted timeline files, matching how the
// rest of this codebase serializes structured state.
func EncodeComponent(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeComponent deserializes bytes produced by EncodeComponent into out,
// which must be a pointer.
func DecodeComponent(data []byte, out interface{}) error {
	return json.Unmarshal(data, out)
}
