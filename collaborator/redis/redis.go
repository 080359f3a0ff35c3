// Package redis relays feedback requests to a remote UI over Redis pub/sub.
//
// Every payload is msgpack encoded inside an envelope that carries the W3C trace
// context in its headers.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/agentuity/feedback-bridge/feedback"
	"github.com/agentuity/feedback-bridge/logger"
	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const DefaultPrefix = "feedback"

const (
	ReplySubmit = "submit"
	ReplyCancel = "cancel"
)

// ErrNoSubscribers is returned when nothing is listening for prompts
var ErrNoSubscribers = errors.New("no feedback client subscribed")

var tracer = otel.Tracer("github.com/agentuity/feedback-bridge/collaborator/redis")

var propagator = propagation.TraceContext{}

// Envelope wraps every payload on the wire
type Envelope struct {
	Data    []byte            `msgpack:"data"`
	Headers map[string]string `msgpack:"headers"`
}

type PromptPayload struct {
	OperationID string    `msgpack:"operationId"`
	WorkSummary string    `msgpack:"workSummary"`
	CreatedAt   time.Time `msgpack:"createdAt"`
	Deadline    time.Time `msgpack:"deadline,omitempty"`
}

type DismissPayload struct {
	OperationID string `msgpack:"operationId"`
	Reason      string `msgpack:"reason"`
}

type MessagePayload struct {
	Level   string `msgpack:"level"`
	Message string `msgpack:"message"`
}

// ReplyPayload is sent by the remote UI. Images are raw bytes.
type ReplyPayload struct {
	OperationID  string   `msgpack:"operationId"`
	Kind         string   `msgpack:"kind"`
	TextFeedback string   `msgpack:"textFeedback,omitempty"`
	Images       [][]byte `msgpack:"images,omitempty"`
	Reason       string   `msgpack:"reason,omitempty"`
}

// Channels are the pub/sub channel names for a prefix
type Channels struct {
	Prompt  string
	Focus   string
	Reply   string
	Message string
	Dismiss string
}

func ChannelsFor(prefix string) Channels {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Channels{
		Prompt:  prefix + ":prompt",
		Focus:   prefix + ":focus",
		Reply:   prefix + ":reply",
		Message: prefix + ":message",
		Dismiss: prefix + ":dismiss",
	}
}

type Collaborator struct {
	rdb      *goredis.Client
	settler  feedback.Settler
	logger   logger.Logger
	channels Channels
	pubsub   *goredis.PubSub
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

var (
	_ feedback.Collaborator = (*Collaborator)(nil)
	_ feedback.Dismisser    = (*Collaborator)(nil)
	_ feedback.Notifier     = (*Collaborator)(nil)
)

// New subscribes to the reply channel and returns once the subscription is live
func New(ctx context.Context, rdb *goredis.Client, settler feedback.Settler, prefix string, log logger.Logger) (*Collaborator, error) {
	channels := ChannelsFor(prefix)
	pubsub := rdb.Subscribe(ctx, channels.Reply)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", channels.Reply)
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Collaborator{
		rdb:      rdb,
		settler:  settler,
		logger:   log.With(map[string]interface{}{"component": "redis-collaborator"}),
		channels: channels,
		pubsub:   pubsub,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.listen()
	return c, nil
}

func (c *Collaborator) listen() {
	defer close(c.done)
	ch := c.pubsub.Channel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.handleReply(c.ctx, []byte(msg.Payload))
		}
	}
}

func (c *Collaborator) handleReply(ctx context.Context, payload []byte) {
	var env Envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		c.logger.Error("failed to decode reply envelope: %s", err)
		return
	}
	spanCtx, span := tracer.Start(
		propagator.Extract(ctx, propagation.MapCarrier(env.Headers)),
		"feedback.reply",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	var reply ReplyPayload
	if err := msgpack.Unmarshal(env.Data, &reply); err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.logger.WithContext(spanCtx).Error("failed to decode reply: %s", err)
		return
	}
	span.SetAttributes(
		attribute.String("feedback.operation_id", reply.OperationID),
		attribute.String("feedback.reply_kind", reply.Kind),
	)

	var decided bool
	switch reply.Kind {
	case ReplySubmit:
		decided = c.settler.Settle(reply.OperationID, feedback.Response{TextFeedback: reply.TextFeedback, Images: reply.Images})
	case ReplyCancel:
		decided = c.settler.Cancel(reply.OperationID, reply.Reason)
	default:
		c.logger.Warn("ignoring reply with unknown kind %q for %s", reply.Kind, reply.OperationID)
		return
	}
	if !decided {
		c.logger.Debug("reply for %s arrived after the operation ended", reply.OperationID)
	}
}

// publish returns how many subscribers received the message
func (c *Collaborator) publish(ctx context.Context, channel string, v any) (int64, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal payload")
	}
	env := Envelope{Data: data, Headers: make(map[string]string)}
	// inject the trace context into the headers before starting a span
	propagator.Inject(ctx, propagation.MapCarrier(env.Headers))

	spanCtx, span := tracer.Start(ctx, "feedback.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("redis.channel", channel)),
	)
	defer span.End()

	payload, err := msgpack.Marshal(env)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, errors.Wrap(err, "failed to marshal envelope")
	}
	n, err := c.rdb.Publish(spanCtx, channel, payload).Result()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, errors.Wrapf(err, "failed to publish to %s", channel)
	}
	return n, nil
}

func (c *Collaborator) publishToListeners(ctx context.Context, channel string, v any) error {
	n, err := c.publish(ctx, channel, v)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrNoSubscribers, "%s", channel)
	}
	return nil
}

func (c *Collaborator) EnsureVisible(ctx context.Context) error {
	return c.publishToListeners(ctx, c.channels.Focus, struct{}{})
}

func (c *Collaborator) RequestResponse(ctx context.Context, prompt feedback.Prompt) error {
	return c.publishToListeners(ctx, c.channels.Prompt, PromptPayload{
		OperationID: prompt.OperationID,
		WorkSummary: prompt.WorkSummary,
		CreatedAt:   prompt.CreatedAt,
		Deadline:    prompt.Deadline,
	})
}

func (c *Collaborator) Dismiss(ctx context.Context, operationID string, reason string) {
	if _, err := c.publish(ctx, c.channels.Dismiss, DismissPayload{operationID, reason}); err != nil {
		c.logger.Warn("failed to publish dismiss for %s: %s", operationID, err)
	}
}

func (c *Collaborator) ShowMessage(ctx context.Context, level feedback.MessageLevel, message string) error {
	return c.publishToListeners(ctx, c.channels.Message, MessagePayload{string(level), message})
}

func (c *Collaborator) String() string {
	return fmt.Sprintf("redis(%s)", c.channels.Prompt)
}

// Close unsubscribes and waits for the listener to exit
func (c *Collaborator) Close() error {
	c.cancel()
	err := c.pubsub.Close()
	<-c.done
	return err
}
