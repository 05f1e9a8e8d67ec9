package log

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	ferrors "github.com/reglet-dev/filament-host/domain/errors"
)

// LogMessageWire is the JSON form of a log record passed by a plugin
// through the "log" host import.
type LogMessageWire struct {
	Timestamp time.Time     `json:"timestamp"`
	Attrs     []LogAttrWire `json:"attrs,omitempty"`
	Level     string        `json:"level"`
	Message   string        `json:"message"`
}

// LogAttrWire represents a single slog attribute for wire transfer.
type LogAttrWire struct {
	Key   string `json:"key"`
	Type  string `json:"type"`  // "string", "int64", "uint64", "bool", "float64", "time", "duration", "error", "json", "any"
	Value string `json:"value"` // String representation of the value
}

// EncodeRecord builds the wire form of a record.
func EncodeRecord(level slog.Level, msg string, attrs ...slog.Attr) ([]byte, error) {
	wire := LogMessageWire{Level: level.String(), Message: msg, Timestamp: time.Now().UTC()}
	for _, a := range attrs {
		wire.Attrs = append(wire.Attrs, toLogAttrWire(a))
	}
	return json.Marshal(wire)
}

// DecodeRecord parses a wire record. Attribute values that do not parse as
// their declared type are kept as strings.
func DecodeRecord(data []byte) (slog.Level, string, []slog.Attr, error) {
	var wire LogMessageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return 0, "", nil, ferrors.Wrap(ferrors.InvalidArgument, "log.decode", err)
	}
	level, err := ParseLevel(wire.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	attrs := make([]slog.Attr, 0, len(wire.Attrs))
	for _, a := range wire.Attrs {
		attrs = append(attrs, a.Attr())
	}
	return level, wire.Message, attrs, nil
}

// Attr converts the wire attribute back into a slog attribute.
func (w LogAttrWire) Attr() slog.Attr {
	switch w.Type {
	case "int64":
		if n, err := strconv.ParseInt(w.Value, 10, 64); err == nil {
			return slog.Int64(w.Key, n)
		}
	case "uint64":
		if n, err := strconv.ParseUint(w.Value, 10, 64); err == nil {
			return slog.Uint64(w.Key, n)
		}
	case "bool":
		if b, err := strconv.ParseBool(w.Value); err == nil {
			return slog.Bool(w.Key, b)
		}
	case "float64":
		if f, err := strconv.ParseFloat(w.Value, 64); err == nil {
			return slog.Float64(w.Key, f)
		}
	case "time":
		if t, err := time.Parse(time.RFC3339Nano, w.Value); err == nil {
			return slog.Time(w.Key, t)
		}
	case "duration":
		if d, err := time.ParseDuration(w.Value); err == nil {
			return slog.Duration(w.Key, d)
		}
	case "json":
		var v any
		if json.Unmarshal([]byte(w.Value), &v) == nil {
			return slog.Any(w.Key, v)
		}
	}
	return slog.String(w.Key, w.Value)
}

func toLogAttrWire(attr slog.Attr) LogAttrWire {
	wire := LogAttrWire{
		Key: attr.Key,
	}
	attr.Value = attr.Value.Resolve()

	switch attr.Value.Kind() {
	case slog.KindString:
		wire.Type = "string"
		wire.Value = attr.Value.String()
	case slog.KindInt64:
		wire.Type = "int64"
		wire.Value = strconv.FormatInt(attr.Value.Int64(), 10)
	case slog.KindUint64:
		wire.Type = "uint64"
		wire.Value = strconv.FormatUint(attr.Value.Uint64(), 10)
	case slog.KindBool:
		wire.Type = "bool"
		wire.Value = strconv.FormatBool(attr.Value.Bool())
	case slog.KindFloat64:
		wire.Type = "float64"
		wire.Value = strconv.FormatFloat(attr.Value.Float64(), 'g', -1, 64)
	case slog.KindTime:
		wire.Type = "time"
		wire.Value = attr.Value.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		wire.Type = "duration"
		wire.Value = attr.Value.Duration().String()
	case slog.KindAny:
		if v := attr.Value.Any(); v != nil {
			if err, isErr := v.(error); isErr {
				wire.Type = "error"
				wire.Value = err.Error()
			} else if data, marshalErr := json.Marshal(v); marshalErr == nil {
				wire.Type = "json"
				wire.Value = string(data)
			} else {
				wire.Type = "any"
				wire.Value = fmt.Sprintf("%v", v)
			}
		} else {
			wire.Type = "any"
			wire.Value = "<nil>"
		}
	case slog.KindGroup:
		// Groups travel as a JSON object of their resolved members.
		members := make(map[string]any)
		for _, a := range attr.Value.Group() {
			members[a.Key] = a.Value.Resolve().Any()
		}
		data, _ := json.Marshal(members)
		wire.Type = "json"
		wire.Value = string(data)
	default:
		wire.Type = "any"
		wire.Value = fmt.Sprintf("%v", attr.Value.Any())
	}
	return wire
}
