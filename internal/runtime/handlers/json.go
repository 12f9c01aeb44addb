package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/creditflow/internal/events"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	"github.com/drblury/creditflow/internal/runtime/jsoncodec"
)

// DeliveryFunc handles one raw delivery. Middleware wraps it.
type DeliveryFunc func(msg *message.Message) Result

// DeliveryMiddleware decorates a DeliveryFunc.
type DeliveryMiddleware func(DeliveryFunc) DeliveryFunc

// Processor is a stage state machine over one decoded event kind.
type Processor[T events.Event] interface {
	Process(ctx context.Context, event T) Result
}

// ProcessorFunc adapts a function into a Processor.
type ProcessorFunc[T events.Event] func(ctx context.Context, event T) Result

func (f ProcessorFunc[T]) Process(ctx context.Context, event T) Result {
	return f(ctx, event)
}

// BuildJSONProcessor decodes each delivery into a fresh T, checks its identity
// fields and hands it to p. Decode and identity failures are OutcomeMalformed
// and never reach p.
func BuildJSONProcessor[T events.Event](p Processor[T]) (DeliveryFunc, error) {
	if p == nil {
		return nil, errspkg.ErrProcessorRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(msg *message.Message) Result {
		typed := prototypeFactory()

		if len(msg.Payload) == 0 {
			return Malformed(errspkg.ErrEventPayloadRequired)
		}
		if err := jsoncodec.Unmarshal(msg.Payload, typed); err != nil {
			return Malformed(fmt.Errorf("decode %s payload: %w", typed.EventType(), err))
		}
		if err := typed.CheckIdentity(); err != nil {
			return Malformed(err)
		}

		return p.Process(msg.Context(), typed).WithFields(typed.LogFields())
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrEventTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrEventPointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}
