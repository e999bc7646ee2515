package session

import (
	"context"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	inboundTopic        = "chatwire.inbound"
	metadataGeneration  = "generation"
	metadataSessionKey  = "session_key"
	inboundBufferFrames = 256
)

// FrameFunc handles one inbound frame tagged with the connection generation
// it arrived on.
type FrameFunc func(ctx context.Context, generation uint64, frame []byte)

// Coordinator serializes inbound frames of a session onto one goroutine.
// Publish blocks until the frame was handled, so frames are routed in the
// order the transport delivered them.
type Coordinator struct {
	sessionKey string
	pubsub     *gochannel.GoChannel
	onFrame    FrameFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func NewCoordinator(sessionKey string, onFrame FrameFunc) *Coordinator {
	logger := newWatermillLogger(watermill.LogFields{"component": "session", "session_key": sessionKey})
	return &Coordinator{
		sessionKey: sessionKey,
		onFrame:    onFrame,
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            inboundBufferFrames,
			BlockPublishUntilSubscriberAck: true,
		}, logger),
	}
}

// Start subscribes synchronously, so frames published after Start returns
// are never lost, then consumes on a background goroutine.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := c.pubsub.Subscribe(runCtx, inboundTopic)
	if err != nil {
		cancel()
		return errors.Wrap(err, "subscribe inbound frames")
	}
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})
	go c.consume(runCtx, ch, c.done)
	return nil
}

func (c *Coordinator) consume(ctx context.Context, ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log.Debug().Str("component", "session").Str("session_key", c.sessionKey).Msg("coordinator: started")
	for msg := range ch {
		gen, err := strconv.ParseUint(msg.Metadata.Get(metadataGeneration), 10, 64)
		if err != nil {
			log.Warn().Err(err).Str("component", "session").Str("session_key", c.sessionKey).Msg("coordinator: frame without generation")
			msg.Ack()
			continue
		}
		c.handle(ctx, gen, msg.Payload)
		msg.Ack()
	}
	log.Debug().Str("component", "session").Str("session_key", c.sessionKey).Msg("coordinator: stopped")
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Coordinator) handle(ctx context.Context, gen uint64, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("component", "session").Str("session_key", c.sessionKey).
				Msg("coordinator: frame handler panicked")
		}
	}()
	if c.onFrame != nil {
		c.onFrame(ctx, gen, frame)
	}
}

// Publish hands a frame to the consumer goroutine and waits until it was
// handled.
func (c *Coordinator) Publish(gen uint64, frame []byte) error {
	msg := message.NewMessage(uuid.NewString(), message.Payload(frame))
	msg.Metadata.Set(metadataGeneration, strconv.FormatUint(gen, 10))
	msg.Metadata.Set(metadataSessionKey, c.sessionKey)
	if err := c.pubsub.Publish(inboundTopic, msg); err != nil {
		return errors.Wrap(err, "publish inbound frame")
	}
	return nil
}

// Close stops the consumer and releases the pubsub.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := c.pubsub.Close()
	if done != nil {
		<-done
	}
	return err
}
