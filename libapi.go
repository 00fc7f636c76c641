package eventflow

import (
	runtimepkg "github.com/drblury/eventflow/internal/runtime"
	ce "github.com/drblury/eventflow/internal/runtime/cloudevents"
	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	dispatchpkg "github.com/drblury/eventflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/eventflow/internal/runtime/handlers"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/eventflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	registrypkg "github.com/drblury/eventflow/internal/runtime/registry"
	telemetrypkg "github.com/drblury/eventflow/internal/runtime/telemetry"
	"github.com/drblury/eventflow/transport"

	// Built-in backends register themselves with the default transport registry.
	_ "github.com/drblury/eventflow/transport/transports"
)

type (
	Config                = configpkg.Config
	PubSubConfig          = configpkg.PubSubConfig
	KafkaConfig           = configpkg.KafkaConfig
	StreamConfig          = configpkg.StreamConfig
	ChannelConfig         = configpkg.ChannelConfig
	AWSConfig             = configpkg.AWSConfig
	DeadLetterConfig      = configpkg.DeadLetterConfig
	DeadLetterDestination = configpkg.DeadLetterDestination

	Engine             = runtimepkg.Engine
	EngineDependencies = runtimepkg.EngineDependencies
	EngineStats        = runtimepkg.EngineStats
	ResourceUsage      = runtimepkg.ResourceUsage
	PublishOption      = runtimepkg.PublishOption

	RoutingKey         = registrypkg.RoutingKey
	Subscription       = registrypkg.Subscription
	SubscriptionOption = registrypkg.SubscriptionOption

	Event           = ce.Event
	DeadLetter      = ce.DeadLetter
	DeadLetterError = ce.DeadLetterError

	EventContext[T any] = handlerpkg.EventContext[T]
	EventHandler[T any] = handlerpkg.EventHandler[T]

	Outcome = dispatchpkg.Outcome

	Telemetry         = telemetrypkg.Telemetry
	TelemetryOption   = telemetrypkg.Option
	Hooks             = telemetrypkg.Hooks
	DeliveryContext   = telemetrypkg.DeliveryContext
	SubscriptionStats = telemetrypkg.SubscriptionStats

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	TransportBuilder      = transport.Builder
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	TransportBackend      = transport.Backend
)

// Delivery outcomes.
const (
	Success          = dispatchpkg.Success
	Failed           = dispatchpkg.Failed
	SentToDeadLetter = dispatchpkg.SentToDeadLetter
	Dropped          = dispatchpkg.Dropped
)

// Backend types accepted in PubSubConfig.Type.
const (
	TypeKafka       = configpkg.TypeKafka
	TypeRedisStream = configpkg.TypeRedisStream
	TypeChannel     = configpkg.TypeChannel
	TypeRabbitMQ    = configpkg.TypeRabbitMQ
	TypeNATS        = configpkg.TypeNATS
	TypeHTTP        = configpkg.TypeHTTP
	TypeAWS         = configpkg.TypeAWS
)

// CloudEvents extension keys used by the engine.
const (
	ExtRetry       = ce.ExtRetry
	ExtTraceParent = ce.ExtTraceParent
	ExtTraceState  = ce.ExtTraceState
)

var (
	NewEngine      = runtimepkg.NewEngine
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	WithRoutingKey            = registrypkg.WithRoutingKey
	WithDeadLetter            = registrypkg.WithDeadLetter
	WithDeadLetterDestination = registrypkg.WithDeadLetterDestination

	WithPartitionKey = runtimepkg.WithPartitionKey
	WithSubject      = runtimepkg.WithSubject
	WithID           = runtimepkg.WithID
	WithExtension    = runtimepkg.WithExtension

	NewTelemetry       = telemetrypkg.New
	NopTelemetry       = telemetrypkg.Nop
	WithRegisterer     = telemetrypkg.WithRegisterer
	WithTracerProvider = telemetrypkg.WithTracerProvider
	WithPropagator     = telemetrypkg.WithPropagator
	WithHooks          = telemetrypkg.WithHooks

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewEvent                = ce.New
	GetRetry                = ce.GetRetry
	IsDeadLetterType        = ce.IsDeadLetterType
	DecodeDeadLetter        = ce.DecodeDeadLetter
	ErrDeadLetterWithReason = ce.ErrDeadLetterWithReason
	ShouldDeadLetter        = ce.ShouldDeadLetter

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	GetCapabilities          = transport.GetCapabilities

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	CreateULID = idspkg.CreateULID

	ErrDeadLetter            = ce.ErrDeadLetter
	ErrNotRegistered         = errspkg.ErrNotRegistered
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrUnknownPubSub         = errspkg.ErrUnknownPubSub
	ErrRegistryFrozen        = errspkg.ErrRegistryFrozen
	ErrDeadLetterUnresolved  = errspkg.ErrDeadLetterUnresolved
	ErrQueueStopped          = errspkg.ErrQueueStopped
	ErrPartitionNotOwned     = errspkg.ErrPartitionNotOwned
	ErrConsumeUnsupported    = errspkg.ErrConsumeUnsupported
	ErrEngineStopped         = errspkg.ErrEngineStopped
	ErrEngineRunning         = errspkg.ErrEngineRunning
	ErrPayloadPointerNeeded  = errspkg.ErrPayloadPointerNeeded
	ErrDuplicateRegistration = errspkg.ErrDuplicateRegistration
)

// Register records the routing metadata of T so it can be published without
// a local subscription.
func Register[T any](engine *Engine, template RoutingKey) (RoutingKey, error) {
	return runtimepkg.Register[T](engine, template)
}

// Subscribe binds handler to the routing key of T.
func Subscribe[T any](engine *Engine, handler EventHandler[T], opts ...SubscriptionOption) (RoutingKey, error) {
	return runtimepkg.Subscribe(engine, handler, opts...)
}
