package handlers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/eventflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

var protoMessageType = reflect.TypeFor[proto.Message]()

// Decoder turns envelope data into a fresh payload value.
type Decoder[T any] func(data []byte) (T, error)

// NewDecoder picks protojson for proto.Message payloads and the JSON codec
// for everything else. Proto payload types must be pointers.
func NewDecoder[T any]() (Decoder[T], error) {
	typ := reflect.TypeFor[T]()
	if typ.Implements(protoMessageType) {
		if typ.Kind() != reflect.Pointer {
			return nil, errspkg.ErrPayloadPointerNeeded
		}
		return func(data []byte) (T, error) {
			typed := reflect.New(typ.Elem()).Interface().(T)
			msg := any(typed).(proto.Message)
			if err := protojson.Unmarshal(data, msg); err != nil {
				var zero T
				return zero, fmt.Errorf("failed to unmarshal %s payload: %w", typ, err)
			}
			return typed, nil
		}, nil
	}

	if typ.Kind() == reflect.Pointer {
		return func(data []byte) (T, error) {
			typed := reflect.New(typ.Elem()).Interface().(T)
			if len(data) == 0 {
				return typed, nil
			}
			if err := jsoncodec.Unmarshal(data, typed); err != nil {
				var zero T
				return zero, fmt.Errorf("failed to unmarshal %s payload: %w", typ, err)
			}
			return typed, nil
		}, nil
	}

	return func(data []byte) (T, error) {
		var value T
		if len(data) == 0 {
			return value, nil
		}
		if err := jsoncodec.Unmarshal(data, &value); err != nil {
			var zero T
			return zero, fmt.Errorf("failed to unmarshal %s payload: %w", typ, err)
		}
		return value, nil
	}, nil
}

// EncodePayload serializes a payload for the envelope's data field.
func EncodePayload(v any) ([]byte, error) {
	if isNil(v) {
		return nil, errspkg.ErrPayloadRequired
	}
	if msg, ok := v.(proto.Message); ok {
		return protojson.Marshal(msg)
	}
	return jsoncodec.Marshal(v)
}

// TypeName is the default event type of a payload type: the protobuf full
// name for proto messages, otherwise the Go type name without pointers.
func TypeName(typ reflect.Type) string {
	if typ == nil {
		return ""
	}
	if typ.Implements(protoMessageType) && typ.Kind() == reflect.Pointer {
		if msg, ok := reflect.Zero(typ).Interface().(proto.Message); ok {
			return string(msg.ProtoReflect().Descriptor().FullName())
		}
	}
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return typ.Name()
}

// Build wraps a typed handler into an Invoker that decodes the payload on
// every call. A payload that cannot be decoded is reported as a dead-letter
// request, since retrying it cannot succeed.
func Build[T any](handler EventHandler[T], logger loggingpkg.ServiceLogger) (Invoker, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	decode, err := NewDecoder[T]()
	if err != nil {
		return nil, err
	}
	logger = loggingpkg.OrNop(logger)

	return func(ctx context.Context, evt cloudeventspkg.Event, md metadatapkg.Metadata) error {
		payload, err := decode(evt.Data)
		if err != nil {
			return cloudeventspkg.ErrDeadLetterWithReason("unprocessable payload", err)
		}
		return handler(ctx, EventContext[T]{
			Event:    evt,
			Payload:  payload,
			Metadata: md,
			Logger: logger.With(loggingpkg.LogFields{
				"event_id":   evt.ID,
				"event_type": evt.Type,
			}),
		})
	}, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
