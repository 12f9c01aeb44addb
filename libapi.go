package creditflow

import (
	"github.com/drblury/creditflow/internal/events"
	runtimepkg "github.com/drblury/creditflow/internal/runtime"
	configpkg "github.com/drblury/creditflow/internal/runtime/config"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/creditflow/internal/runtime/handlers"
	idspkg "github.com/drblury/creditflow/internal/runtime/ids"
	"github.com/drblury/creditflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/creditflow/internal/runtime/metadata"
	"github.com/drblury/creditflow/internal/runtime/topology"
	transportpkg "github.com/drblury/creditflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Producer            = runtimepkg.Producer

	ConsumerRegistration[T events.Event] = runtimepkg.ConsumerRegistration[T]
	DeliveryConsumerRegistration         = runtimepkg.DeliveryConsumerRegistration
	DeliveryInfo                         = runtimepkg.DeliveryInfo
	ConsumerInfo                         = runtimepkg.ConsumerInfo
	ConsumerStats                        = runtimepkg.ConsumerStats
	ConsumerStatsSnapshot                = runtimepkg.ConsumerStatsSnapshot

	Processor[T events.Event]     = handlerpkg.Processor[T]
	ProcessorFunc[T events.Event] = handlerpkg.ProcessorFunc[T]
	DeliveryFunc                  = handlerpkg.DeliveryFunc
	DeliveryMiddleware            = handlerpkg.DeliveryMiddleware
	Outcome                       = handlerpkg.Outcome
	Result                        = handlerpkg.Result

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	// Delivery lifecycle hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	// DLQ metrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQQueueMetrics    = runtimepkg.DLQQueueMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	Event            = events.Event
	ClientCreated    = events.ClientCreated
	ProposalApproved = events.ProposalApproved
	ProposalRejected = events.ProposalRejected

	Binding       = topology.Binding
	TopologyTable = topology.Table

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	LoggerOptions = loggingpkg.Options

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	TransportDLQManager   = transportpkg.DLQManager
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	LoadConfigFrom = configpkg.LoadFrom
	ValidateConfig = configpkg.ValidateConfig

	RegisterDeliveryConsumer = runtimepkg.RegisterDeliveryConsumer
	DeliveryInfoFromContext  = runtimepkg.DeliveryInfoFromContext
	Publish                  = runtimepkg.Publish
	NewMessage               = runtimepkg.NewMessage

	Complete  = handlerpkg.Complete
	Drop      = handlerpkg.Drop
	Malformed = handlerpkg.Malformed
	Fail      = handlerpkg.Fail

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Delivery lifecycle hooks
	DeliveryHooksMiddleware   = runtimepkg.DeliveryHooksMiddleware
	ConfiguredHooksMiddleware = runtimepkg.ConfiguredHooksMiddleware
	LoggingHooks              = runtimepkg.LoggingHooks
	AlertingHooks             = runtimepkg.AlertingHooks

	// DLQ metrics
	NewDLQMetrics = runtimepkg.NewDLQMetrics

	DefaultTopology = topology.Default
	NewBinding      = topology.NewBinding

	// Transport registry
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrServiceRequired         = errspkg.ErrServiceRequired
	ErrProcessorRequired       = errspkg.ErrProcessorRequired
	ErrConsumerNameRequired    = errspkg.ErrConsumerNameRequired
	ErrRouteRequired           = errspkg.ErrRouteRequired
	ErrEventPayloadRequired    = errspkg.ErrEventPayloadRequired
	ErrPublisherRequired       = errspkg.ErrPublisherRequired
	ErrSubscriberRequired      = errspkg.ErrSubscriberRequired
	ErrRoutingKeyRequired      = errspkg.ErrRoutingKeyRequired
	ErrTopologyMismatch        = errspkg.ErrTopologyMismatch
	ErrConnectRetriesExhausted = errspkg.ErrConnectRetriesExhausted
	ErrConnectionLost          = errspkg.ErrConnectionLost
	ErrDLQUnsupported          = errspkg.ErrDLQUnsupported
	ErrMissingIdentity         = events.ErrMissingIdentity

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	DiscardLogger        = loggingpkg.Discard

	CreateULID           = idspkg.CreateULID
	WithCorrelationID    = metadatapkg.WithCorrelationID
	CorrelationIDFromCtx = metadatapkg.CorrelationIDFromContext
)

// Routing keys published and consumed by the pipeline stages.
const (
	RoutingKeyClientCreated    = events.RoutingKeyClientCreated
	RoutingKeyProposalApproved = events.RoutingKeyProposalApproved
	RoutingKeyProposalRejected = events.RoutingKeyProposalRejected

	Exchange             = topology.Exchange
	QueueProposalAnalyze = topology.QueueProposalAnalyze
	QueueCardIssue       = topology.QueueCardIssue
)

// Message header keys.
const (
	MetadataKeyCorrelationID      = metadatapkg.KeyCorrelationID
	MetadataKeyEventType          = metadatapkg.KeyEventType
	MetadataKeyContentType        = metadatapkg.KeyContentType
	MetadataKeyDeadLetterReason   = metadatapkg.KeyDeadLetterReason
	MetadataKeyDeadLetterError    = metadatapkg.KeyDeadLetterError
	MetadataKeyOriginalRoutingKey = metadatapkg.KeyOriginalRoutingKey
)

// Delivery outcomes.
const (
	OutcomeCompleted = handlerpkg.OutcomeCompleted
	OutcomeDropped   = handlerpkg.OutcomeDropped
	OutcomeMalformed = handlerpkg.OutcomeMalformed
	OutcomeFailed    = handlerpkg.OutcomeFailed
)

func RegisterConsumer[T events.Event](svc *Service, cfg ConsumerRegistration[T]) error {
	return runtimepkg.RegisterConsumer(svc, cfg)
}

func BuildJSONProcessor[T events.Event](p Processor[T]) (DeliveryFunc, error) {
	return handlerpkg.BuildJSONProcessor(p)
}
