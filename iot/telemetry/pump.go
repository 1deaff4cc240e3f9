package telemetry

import (
	"github.com/relabs-tech/iothub/iot"
)

// Pump attaches the producer to a message publisher. Every produced message
// is published to the topic given by its target resource identifier. Pump
// starts production; use the producer's Pause and Resume for backpressure.
func Pump(p *Producer, publisher iot.MessagePublisher) *Producer {
	return p.Handler(func(m Message) {
		publisher.PublishMessageQ1(m.Target.String(), m.Payload)
	})
}
