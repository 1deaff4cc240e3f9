// The simulator service plays a fleet device: it registers itself with the
// hub over the bus and then uploads a fixed number of telemetry messages at
// a steady rate. Useful for load and soak testing a deployment.
package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/iothub/core/logger"
	"github.com/relabs-tech/iothub/core/resource"
	"github.com/relabs-tech/iothub/iot/registration"
	"github.com/relabs-tech/iothub/iot/telemetry"
	"github.com/relabs-tech/iothub/iot/transport"
)

// Service holds the configuration for this service
type Service struct {
	KafkaBrokers   string        `env:"KAFKA_BROKERS,required" description:"comma separated Kafka broker addresses"`
	RequestTopic   string        `env:"REQUEST_TOPIC,default=iothub.registration.requests" description:"the Kafka topic for registration requests"`
	TelemetryTopic string        `env:"TELEMETRY_TOPIC,default=iothub.telemetry" description:"the Kafka topic telemetry is published to"`
	TenantID       string        `env:"TENANT_ID,default=DEFAULT_TENANT" description:"the tenant to register under"`
	DeviceID       string        `env:"DEVICE_ID,optional" description:"the device ID, a random one is generated if empty"`
	Count          int           `env:"COUNT,default=100" description:"the number of telemetry messages to upload"`
	Interval       time.Duration `env:"INTERVAL,default=100ms" description:"the time between two telemetry messages"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logrus.InfoLevel)
	rlog := logger.Default()

	deviceID := service.DeviceID
	if len(deviceID) == 0 {
		deviceID = uuid.New().String()
	}

	brokers := strings.Split(service.KafkaBrokers, ",")
	conn := transport.MustNewKafka(&transport.KafkaBuilder{
		Brokers:      brokers,
		RequestTopic: service.RequestTopic,
		ReplyTopic:   fmt.Sprintf("%s.reply.%s", service.RequestTopic, uuid.New().String()),
	})
	defer conn.Close()

	client, err := registration.NewClient(conn, service.TenantID)
	if err != nil {
		panic(err)
	}

	registered := make(chan int, 1)
	client.Register(deviceID, nil, func(status int, err error) {
		if err != nil {
			panic(err)
		}
		registered <- status
	})
	switch status := <-registered; status {
	case registration.StatusCreated:
		rlog.Infoln("registered device", deviceID)
	case registration.StatusConflict:
		rlog.Infoln("device", deviceID, "already registered")
	default:
		panic(fmt.Sprintf("cannot register device: status %d", status))
	}

	target, err := resource.New(telemetry.Endpoint, service.TenantID, deviceID)
	if err != nil {
		panic(err)
	}

	publisher := telemetry.NewKafkaPublisher(brokers, service.TelemetryTopic)
	defer publisher.Close()

	done := make(chan struct{})
	producer := telemetry.NewProducer(target, service.Count, service.Interval)
	producer.EndHandler(func() { close(done) })
	telemetry.Pump(producer, publisher)
	<-done
	rlog.Infoln("uploaded", service.Count, "telemetry messages for", deviceID)

	closed := make(chan error, 1)
	client.Close(func(err error) { closed <- err })
	if err := <-closed; err != nil {
		rlog.Errorln("cannot close registration client:", err)
	}
}
