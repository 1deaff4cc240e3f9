package transport

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/iothub/core/logger"
)

// envelope is the wire format for requests on the bus. The logger context
// travels with the request so that request IDs survive the hop.
type envelope struct {
	CorrelationID string          `json:"correlation_id"`
	ReplyTo       string          `json:"reply_to"`
	Address       string          `json:"address"`
	LogContext    json.RawMessage `json:"log_context,omitempty"`
	Request       Request         `json:"request"`
}

type replyEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	Result        Result `json:"result"`
	Error         string `json:"error,omitempty"`
}

// KafkaBuilder is a builder helper for a Kafka connection.
type KafkaBuilder struct {
	// Brokers is the list of Kafka broker addresses. This is mandatory.
	Brokers []string
	// RequestTopic is the topic requests are written to, keyed by resource
	// address. This is mandatory.
	RequestTopic string
	// ReplyTopic is the topic replies come back on. It must be owned
	// exclusively by this process. This is mandatory.
	ReplyTopic string
	// Timeout is the time to wait for a reply before a request fails
	// with ErrTimeout. The default is 30 seconds.
	Timeout time.Duration
}

// Kafka is a Connection backed by a Kafka request topic and a per-process
// reply topic. Requests and replies are correlated by UUID.
type Kafka struct {
	writer     *kafka.Writer
	reader     *kafka.Reader
	replyTopic string
	timeout    time.Duration
	cancel     context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

type pendingCall struct {
	session *kafkaSession
	handler ResultHandler
	timer   *time.Timer
}

// MustNewKafka returns a new Kafka connection and starts its reply dispatch
// loop. It panics if a mandatory builder field is missing.
func MustNewKafka(b *KafkaBuilder) *Kafka {
	if len(b.Brokers) == 0 {
		panic("brokers are missing")
	}
	if len(b.RequestTopic) == 0 {
		panic("request topic is missing")
	}
	if len(b.ReplyTopic) == 0 {
		panic("reply topic is missing")
	}
	timeout := b.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(b.Brokers...),
			Topic:                  b.RequestTopic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:   b.Brokers,
			Topic:     b.ReplyTopic,
			Partition: 0,
			MinBytes:  1,
			MaxBytes:  1e6,
		}),
		replyTopic: b.ReplyTopic,
		timeout:    timeout,
		cancel:     cancel,
		pending:    make(map[string]*pendingCall),
	}
	go c.dispatchReplies(ctx)
	return c
}

// OpenSession opens a session addressed to the given resource.
func (c *Kafka) OpenSession(address string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	return &kafkaSession{conn: c, address: address}, nil
}

// Close shuts the connection down. All requests still in flight resolve
// with ErrConnectionClosed.
func (c *Kafka) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.timer.Stop()
		call.fail(ErrConnectionClosed)
	}
	c.cancel()
	c.reader.Close()
	return c.writer.Close()
}

func (call *pendingCall) fail(err error) {
	handler := call.handler
	call.session.queue.enqueue(func() { handler(Result{}, err) })
}

func (call *pendingCall) resolve(res Result) {
	handler := call.handler
	call.session.queue.enqueue(func() { handler(res, nil) })
}

// take removes and returns the pending call for the correlation ID.
func (c *Kafka) take(correlationID string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[correlationID]
	if !ok {
		return nil
	}
	delete(c.pending, correlationID)
	return call
}

func (c *Kafka) dispatchReplies(ctx context.Context) {
	rlog := logger.Default()
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rlog.Errorln("cannot read reply:", err)
			continue
		}
		var reply replyEnvelope
		if err := json.Unmarshal(m.Value, &reply); err != nil {
			rlog.Errorln("cannot decode reply:", err)
			continue
		}
		call := c.take(reply.CorrelationID)
		if call == nil {
			// late reply for a timed out or closed request
			continue
		}
		call.timer.Stop()
		if len(reply.Error) > 0 {
			call.fail(&RemoteError{Message: reply.Error})
			continue
		}
		call.resolve(reply.Result)
	}
}

// RemoteError is a failure reported by the remote end of the bus.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "transport: remote error: " + e.Message
}

type kafkaSession struct {
	conn    *Kafka
	address string
	queue   serialQueue

	mu     sync.Mutex
	closed bool
}

func (s *kafkaSession) Send(ctx context.Context, req Request, handler ResultHandler) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.queue.enqueue(func() { handler(Result{}, ErrSessionClosed) })
		return
	}

	correlationID := uuid.New().String()
	data, err := json.Marshal(envelope{
		CorrelationID: correlationID,
		ReplyTo:       s.conn.replyTopic,
		Address:       s.address,
		LogContext:    logger.SerializeContext(ctx),
		Request:       req,
	})
	if err != nil {
		s.queue.enqueue(func() { handler(Result{}, err) })
		return
	}

	call := &pendingCall{session: s, handler: handler}
	call.timer = time.AfterFunc(s.conn.timeout, func() {
		if c := s.conn.take(correlationID); c != nil {
			c.fail(ErrTimeout)
		}
	})

	s.conn.mu.Lock()
	if s.conn.closed {
		s.conn.mu.Unlock()
		call.timer.Stop()
		s.queue.enqueue(func() { handler(Result{}, ErrConnectionClosed) })
		return
	}
	s.conn.pending[correlationID] = call
	s.conn.mu.Unlock()

	// the write happens on the dispatch goroutine so that Send never blocks
	s.queue.enqueue(func() {
		err := s.conn.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(s.address),
			Value: data,
		})
		if err != nil {
			if c := s.conn.take(correlationID); c != nil {
				c.timer.Stop()
				handler(Result{}, err)
			}
		}
	})
}

func (s *kafkaSession) Close(handler func(error)) {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !alreadyClosed {
		// fail this session's requests still in flight, siblings on the
		// shared connection are not affected
		s.conn.mu.Lock()
		var calls []*pendingCall
		for id, call := range s.conn.pending {
			if call.session == s {
				delete(s.conn.pending, id)
				calls = append(calls, call)
			}
		}
		s.conn.mu.Unlock()
		for _, call := range calls {
			call.timer.Stop()
			call.fail(ErrSessionClosed)
		}
	}

	s.queue.enqueue(func() {
		if alreadyClosed {
			handler(ErrSessionClosed)
			return
		}
		handler(nil)
	})
}

// ServeKafka consumes requests from the request topic, hands them to the
// handler and writes the reply to the envelope's reply topic. It blocks
// until the context is canceled. Consumers in the same group share the
// request load.
func ServeKafka(ctx context.Context, brokers []string, requestTopic, group string, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    requestTopic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 1e6,
	})
	defer reader.Close()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var env envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			logger.Default().Errorln("cannot decode request:", err)
			continue
		}
		hctx := logger.ContextFromData(ctx, env.LogContext)
		res := handler(hctx, env.Address, env.Request)

		data, err := json.Marshal(replyEnvelope{
			CorrelationID: env.CorrelationID,
			Result:        res,
		})
		if err != nil {
			logger.FromContext(hctx).Errorln("cannot encode reply:", err)
			continue
		}
		err = writer.WriteMessages(ctx, kafka.Message{
			Topic: env.ReplyTo,
			Value: data,
		})
		if err != nil {
			logger.FromContext(hctx).Errorln("cannot write reply:", err)
		}
	}
}
