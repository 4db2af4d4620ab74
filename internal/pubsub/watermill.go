package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Metadata keys carrying Message fields through a watermill message.
const (
	metaKeyUserID = "user_id"
	metaKeyTopic  = "topic"
)

// WatermillBridge is an in-process Bus on watermill's GoChannel.
type WatermillBridge struct {
	pub    message.Publisher
	sub    message.Subscriber
	tracer trace.Tracer
	logger *slog.Logger
}

var _ Bus = (*WatermillBridge)(nil)

// BridgeOption configures a WatermillBridge.
type BridgeOption func(*WatermillBridge)

// WithTracer traces every publish and delivery with the given tracer.
func WithTracer(tracer trace.Tracer) BridgeOption {
	return func(wb *WatermillBridge) {
		wb.tracer = tracer
	}
}

// WithBusLogger sets the logger used for handler failures.
func WithBusLogger(l *slog.Logger) BridgeOption {
	return func(wb *WatermillBridge) {
		wb.logger = l
	}
}

// NewWatermillBridge creates an in-memory bus.
//
// Publish blocks until every subscriber has handled the message, so one
// publisher's messages reach each subscriber in publish order.
func NewWatermillBridge(opts ...BridgeOption) *WatermillBridge {
	goChannel := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NewStdLogger(false, false))

	wb := &WatermillBridge{
		pub:    goChannel,
		sub:    goChannel,
		tracer: noop.NewTracerProvider().Tracer(tracerName),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(wb)
	}
	wb.logger = wb.logger.With("component", "bus")
	wb.pub = tracedPublisher{next: wb.pub, tracer: wb.tracer}
	return wb
}

func toWatermill(msg Message) *message.Message {
	wm := message.NewMessage(watermill.NewUUID(), msg.Payload)
	for k, v := range msg.Metadata {
		wm.Metadata.Set(k, v)
	}
	wm.Metadata.Set(metaKeyUserID, msg.UserID)
	wm.Metadata.Set(metaKeyTopic, msg.Topic)
	return wm
}

func fromWatermill(wm *message.Message) Message {
	return Message{
		Topic:    wm.Metadata.Get(metaKeyTopic),
		UserID:   wm.Metadata.Get(metaKeyUserID),
		Payload:  wm.Payload,
		Metadata: lo.OmitByKeys(map[string]string(wm.Metadata), []string{metaKeyUserID, metaKeyTopic}),
	}
}

// Publish implements Publisher. The message's Topic is the bus topic.
func (wb *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	wm := toWatermill(msg)
	wm.SetContext(ctx)
	return wb.pub.Publish(msg.Topic, wm)
}

// Subscribe implements Subscriber. Delivery runs on its own goroutine, one
// message at a time, until ctx is cancelled or the bridge is closed.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := wb.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for wm := range messages {
			wb.deliver(ctx, topic, wm, handler)
		}
		wb.logger.Debug("Subscription ended", "topic", topic)
	}()
	return nil
}

func (wb *WatermillBridge) deliver(ctx context.Context, topic string, wm *message.Message, handler Handler) {
	// The in-memory bus never redelivers, so the message is acked even
	// when the handler fails, releasing the blocked publisher.
	defer wm.Ack()

	spanCtx, span := wb.tracer.Start(ctx, "pubsub.process."+topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(busAttributes("process", topic, wm)...),
	)
	defer span.End()

	if err := handler(spanCtx, fromWatermill(wm)); err != nil {
		span.RecordError(err)
		wb.logger.Error("Failed to handle bus message", "topic", topic, "msg_id", wm.UUID, "error", err)
	}
}

// Close shuts down the bus and ends every subscription.
func (wb *WatermillBridge) Close() error {
	return wb.sub.Close()
}
