/*Package telemetry provides a flow-controlled source of telemetry messages.

The Producer is a push-only stream: it emits a fixed number of sequenced
messages at a steady cadence, addressed to one resource. Consumers control
the rate solely through Pause and Resume; the producer never loses its
position. Production starts when the first message handler is attached and
ends with a single completion signal after the last message.
*/
package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/iothub/core/logger"
	"github.com/relabs-tech/iothub/core/resource"
)

// Endpoint is the resource endpoint for telemetry upload.
const Endpoint = "telemetry"

// Message is a single telemetry message.
type Message struct {
	// Sequence is the message's index, strictly increasing from zero.
	Sequence int
	// Target addresses the resource the message belongs to,
	// telemetry/{tenant}/{device}.
	Target resource.Identifier
	// Payload is the message body.
	Payload []byte
}

// PayloadFunc generates the payload for the message with the given sequence.
type PayloadFunc func(sequence int) []byte

// Producer emits a fixed number of sequenced messages at a steady cadence.
//
// All message and end handler invocations of one producer are serialized on
// a single production goroutine. Pause, Resume and handler registration
// never block and never run a handler inline; the internal cursor is the
// single source of truth for the next message, so pause/resume races can
// neither skip nor duplicate a message.
type Producer struct {
	target   resource.Identifier
	total    int
	interval time.Duration
	payload  PayloadFunc

	mu         sync.Mutex
	cursor     int
	paused     bool
	started    bool
	completed  bool
	endFired   bool
	handler    func(Message)
	endHandler func()
}

// NewProducer returns a producer of count messages addressed to target,
// one per interval. Production does not start until a handler is attached.
func NewProducer(target resource.Identifier, count int, interval time.Duration) *Producer {
	if count < 0 {
		panic("count must not be negative")
	}
	if interval <= 0 {
		panic("interval must be positive")
	}
	return &Producer{
		target:   target,
		total:    count,
		interval: interval,
		payload: func(sequence int) []byte {
			return []byte(fmt.Sprintf(`{"sequence":%d,"temperature":%d}`, sequence, sequence%35))
		},
	}
}

// WithPayload replaces the default payload generator.
func (p *Producer) WithPayload(payload PayloadFunc) *Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		panic("payload generator must be set before production starts")
	}
	p.payload = payload
	return p
}

// Handler attaches the message handler. Attaching the first handler starts
// production. Replacing the handler mid-stream does not reset the cursor;
// messages produced afterwards are delivered to the new handler. Attaching
// nil detaches the handler and stalls production at the current cursor.
func (p *Producer) Handler(handler func(Message)) *Producer {
	p.mu.Lock()
	p.handler = handler
	start := handler != nil && !p.started
	if start {
		p.started = true
	}
	p.mu.Unlock()
	if start {
		go p.produce()
	}
	return p
}

// EndHandler attaches the completion handler. It fires exactly once, after
// the last message handler invocation. If the stream is already complete,
// it fires right away on a fresh goroutine.
func (p *Producer) EndHandler(handler func()) *Producer {
	p.mu.Lock()
	p.endHandler = handler
	fire := handler != nil && p.completed && !p.endFired
	if fire {
		p.endFired = true
	}
	p.mu.Unlock()
	if fire {
		go handler()
	}
	return p
}

// Pause suspends production before the next tick. It never blocks; the
// producer keeps its position.
func (p *Producer) Pause() *Producer {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return p
}

// Resume continues production from the current cursor.
func (p *Producer) Resume() *Producer {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return p
}

func (p *Producer) produce() {
	rlog := logger.Default()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.Lock()
		if p.cursor < p.total {
			if p.paused || p.handler == nil {
				p.mu.Unlock()
				continue
			}
			sequence := p.cursor
			p.cursor++
			handler := p.handler
			payload := p.payload
			p.mu.Unlock()
			rlog.Traceln("producing telemetry message", sequence)
			handler(Message{
				Sequence: sequence,
				Target:   p.target,
				Payload:  payload(sequence),
			})
			// completion is signaled on a later tick, decoupled from the
			// message that reached the limit
			continue
		}
		end := p.endHandler
		fire := end != nil && !p.endFired
		if fire {
			p.endFired = true
		}
		p.completed = true
		p.mu.Unlock()
		if fire {
			rlog.Traceln("telemetry stream complete")
			end()
		}
		return
	}
}
