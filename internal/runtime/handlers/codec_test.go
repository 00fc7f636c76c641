package handlers

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

type Ping struct {
	Data string `json:"data"`
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "Ping", TypeName(reflect.TypeFor[Ping]()))
	assert.Equal(t, "Ping", TypeName(reflect.TypeFor[*Ping]()))
	assert.Equal(t, "google.protobuf.StringValue", TypeName(reflect.TypeFor[*wrapperspb.StringValue]()))
	assert.Equal(t, "", TypeName(nil))
}

func TestEncodePayload(t *testing.T) {
	data, err := EncodePayload(Ping{Data: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":"x"}`, string(data))

	data, err = EncodePayload(wrapperspb.String("hello"))
	require.NoError(t, err)
	assert.JSONEq(t, `"hello"`, string(data))

	_, err = EncodePayload(nil)
	assert.ErrorIs(t, err, errspkg.ErrPayloadRequired)

	var nilPing *Ping
	_, err = EncodePayload(nilPing)
	assert.ErrorIs(t, err, errspkg.ErrPayloadRequired)
}

func TestDecoderForValueAndPointerTypes(t *testing.T) {
	byValue, err := NewDecoder[Ping]()
	require.NoError(t, err)
	v, err := byValue([]byte(`{"data":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, Ping{Data: "x"}, v)

	byPointer, err := NewDecoder[*Ping]()
	require.NoError(t, err)
	first, err := byPointer([]byte(`{"data":"a"}`))
	require.NoError(t, err)
	second, err := byPointer([]byte(`{"data":"b"}`))
	require.NoError(t, err)
	assert.NotSame(t, first, second, "each decode must allocate a fresh payload")
	assert.Equal(t, "a", first.Data)

	_, err = byValue([]byte(`{"data":`))
	assert.Error(t, err)
}

func TestDecoderForProtoPayloads(t *testing.T) {
	decode, err := NewDecoder[*wrapperspb.StringValue]()
	require.NoError(t, err)

	msg, err := decode([]byte(`"hello"`))
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.GetValue())

	_, err = decode([]byte(`{"nope":1}`))
	assert.Error(t, err)
}

func TestBuildInvokesTypedHandler(t *testing.T) {
	var got EventContext[Ping]
	invoke, err := Build(func(ctx context.Context, evt EventContext[Ping]) error {
		got = evt
		return nil
	}, nil)
	require.NoError(t, err)

	evt := cloudeventspkg.New("Ping", "svc", []byte(`{"data":"x"}`))
	cloudeventspkg.SetRetry(&evt, 1)
	md := metadatapkg.Metadata{"k": "v"}

	require.NoError(t, invoke(context.Background(), evt, md))
	assert.Equal(t, "x", got.Payload.Data)
	assert.Equal(t, 1, got.Retry())
	assert.Equal(t, "v", got.Get("k"))
	assert.NotNil(t, got.Logger)
}

func TestBuildReportsUndecodablePayloadAsDeadLetter(t *testing.T) {
	called := false
	invoke, err := Build(func(ctx context.Context, evt EventContext[Ping]) error {
		called = true
		return nil
	}, nil)
	require.NoError(t, err)

	err = invoke(context.Background(), cloudeventspkg.New("Ping", "svc", []byte(`[1,2]`)), nil)
	assert.True(t, cloudeventspkg.ShouldDeadLetter(err))
	assert.False(t, called)
}

func TestBuildPropagatesHandlerError(t *testing.T) {
	boom := errors.New("boom")
	invoke, err := Build(func(ctx context.Context, evt EventContext[*Ping]) error {
		return boom
	}, nil)
	require.NoError(t, err)

	err = invoke(context.Background(), cloudeventspkg.New("Ping", "svc", []byte(`{}`)), nil)
	assert.ErrorIs(t, err, boom)
}

func TestBuildRequiresHandler(t *testing.T) {
	_, err := Build[Ping](nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)
}
