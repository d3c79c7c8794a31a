package grpcclient

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/nmxmxh/tuskdrift/pkg/json"
)

// BufferSentinel replaces binary leaves in a recorded message body. The
// original bytes live in the buffer map, keyed by dotted path, so matching
// works on the structural body while the round trip stays lossless.
const BufferSentinel = "__TD_BUFFER__"

// rawBodyKey holds the whole message when it has no object form (well-known
// wrapper types marshal as scalars).
const rawBodyKey = "$raw"

// encodeMessage shapes a proto message into a structural body plus two side
// maps: binary fields by path, and string fields that themselves carry JSON.
func encodeMessage(m proto.Message) (map[string]interface{}, map[string]string, map[string]string, error) {
	raw, err := protojson.Marshal(m)
	if err != nil {
		return nil, nil, nil, err
	}

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		// scalar-form message: fall back to wire bytes
		wire, werr := proto.Marshal(m)
		if werr != nil {
			return nil, nil, nil, werr
		}
		return map[string]interface{}{rawBodyKey: base64.StdEncoding.EncodeToString(wire)}, nil, nil, nil
	}

	buffers := make(map[string]string)
	jsonable := make(map[string]string)
	walkMessage(m.ProtoReflect(), "", body, buffers, jsonable)
	return body, buffers, jsonable, nil
}

// decodeMessage rebuilds a proto message from a recorded body: buffer paths
// are restored to base64 (the form protojson expects for bytes), then the
// body unmarshals into the caller's reply.
func decodeMessage(m proto.Message, body map[string]interface{}, buffers map[string]string) error {
	if rawB64, ok := body[rawBodyKey].(string); ok && len(body) == 1 {
		wire, err := base64.StdEncoding.DecodeString(rawB64)
		if err != nil {
			return err
		}
		return proto.Unmarshal(wire, m)
	}

	restored := deepCopyValue(body).(map[string]interface{})
	for path, b64 := range buffers {
		setPath(restored, path, b64)
	}
	raw, err := json.Marshal(restored)
	if err != nil {
		return err
	}
	return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(raw, m)
}

func walkMessage(msg protoreflect.Message, prefix string, body map[string]interface{}, buffers, jsonable map[string]string) {
	msg.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		path := joinPath(prefix, fd.JSONName())
		switch {
		case fd.IsList():
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				item := fmt.Sprintf("%s.%d", path, i)
				switch fd.Kind() {
				case protoreflect.BytesKind:
					noteBuffer(item, list.Get(i).Bytes(), body, buffers)
				case protoreflect.MessageKind, protoreflect.GroupKind:
					walkMessage(list.Get(i).Message(), item, body, buffers, jsonable)
				case protoreflect.StringKind:
					noteJSONable(item, list.Get(i).String(), jsonable)
				}
			}
		case fd.IsMap():
			valueKind := fd.MapValue().Kind()
			v.Map().Range(func(mk protoreflect.MapKey, mv protoreflect.Value) bool {
				item := path + "." + mk.String()
				switch valueKind {
				case protoreflect.BytesKind:
					noteBuffer(item, mv.Bytes(), body, buffers)
				case protoreflect.MessageKind, protoreflect.GroupKind:
					walkMessage(mv.Message(), item, body, buffers, jsonable)
				case protoreflect.StringKind:
					noteJSONable(item, mv.String(), jsonable)
				}
				return true
			})
		case fd.Kind() == protoreflect.BytesKind:
			noteBuffer(path, v.Bytes(), body, buffers)
		case fd.Kind() == protoreflect.MessageKind || fd.Kind() == protoreflect.GroupKind:
			walkMessage(v.Message(), path, body, buffers, jsonable)
		case fd.Kind() == protoreflect.StringKind:
			noteJSONable(path, v.String(), jsonable)
		}
		return true
	})
}

// noteBuffer swaps the body leaf for the sentinel. Leaves the body alone when
// the path has no object form there (well-known types with custom JSON).
func noteBuffer(path string, b []byte, body map[string]interface{}, buffers map[string]string) {
	if setPath(body, path, BufferSentinel) {
		buffers[path] = base64.StdEncoding.EncodeToString(b)
	}
}

// noteJSONable marks string fields whose content is itself JSON, so the
// oracle can compare them structurally.
func noteJSONable(path, s string, jsonable map[string]string) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 2 {
		return
	}
	if (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		jsonable[path] = "application/json"
	}
}

// setPath writes a value at a dotted path, indexing lists by numeric
// segments. Returns false when the path does not resolve.
func setPath(body map[string]interface{}, path string, value interface{}) bool {
	segments := strings.Split(path, ".")
	var cur interface{} = body
	for i, seg := range segments {
		last := i == len(segments)-1
		switch node := cur.(type) {
		case map[string]interface{}:
			if last {
				if _, ok := node[seg]; !ok {
					return false
				}
				node[seg] = value
				return true
			}
			next, ok := node[seg]
			if !ok {
				return false
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return false
			}
			if last {
				node[idx] = value
				return true
			}
			cur = node[idx]
		default:
			return false
		}
	}
	return false
}

func deepCopyValue(v interface{}) interface{} {
	switch node := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(node))
		for k, val := range node {
			out[k] = deepCopyValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(node))
		for i, val := range node {
			out[i] = deepCopyValue(val)
		}
		return out
	default:
		return node
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
