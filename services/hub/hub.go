// The hub service runs the IoT messaging hub: the device registration API
// with its REST surface, and the MQTT broker for telemetry upload and
// command delivery. Registration requests are served in-process and,
// when Kafka brokers are configured, from the request topic on the bus.
package main

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/iothub/core/logger"
	"github.com/relabs-tech/iothub/core/schema"
	"github.com/relabs-tech/iothub/iot/api"
	"github.com/relabs-tech/iothub/iot/mqtt"
	"github.com/relabs-tech/iothub/iot/registration"
	"github.com/relabs-tech/iothub/iot/transport"
)

// Service holds the configuration for this service
//
// use KAFKA_BROKERS="localhost:9092" to also serve registration requests
// from the bus
type Service struct {
	Port             string `env:"PORT,default=:3000" description:"the address the REST api listens on"`
	MQTTListen       string `env:"MQTT_LISTEN,optional" description:"the address the MQTT broker listens on"`
	CertFile         string `env:"CERT_FILE,optional" description:"file path to the broker's X.509 certificate"`
	KeyFile          string `env:"KEY_FILE,optional" description:"file path to the broker's X.509 private key"`
	CACertFile       string `env:"CA_CERT_FILE,optional" description:"file path to the CA certificate for device client certificates"`
	KafkaBrokers     string `env:"KAFKA_BROKERS,optional" description:"comma separated Kafka broker addresses"`
	RequestTopic     string `env:"REQUEST_TOPIC,default=iothub.registration.requests" description:"the Kafka topic for registration requests"`
	ConsumerGroup    string `env:"CONSUMER_GROUP,default=iothub" description:"the Kafka consumer group of this service"`
	DeviceSchemaFile string `env:"DEVICE_SCHEMA_FILE,optional" description:"file path to a JSON schema for device metadata"`
	DeviceSchemaID   string `env:"DEVICE_SCHEMA_ID,optional" description:"the $id of the device metadata schema"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"the log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logLevel)
	rlog := logger.Default()

	builder := &registration.RegistryBuilder{}
	if len(service.DeviceSchemaFile) > 0 {
		schemaData, err := os.ReadFile(service.DeviceSchemaFile)
		if err != nil {
			panic(err)
		}
		validator, err := schema.NewValidator([]string{string(schemaData)}, nil)
		if err != nil {
			panic(err)
		}
		builder.Validator = validator
		builder.SchemaID = service.DeviceSchemaID
	}
	registry := registration.NewRegistry(builder)

	conn := transport.NewInProc(registry.Handle)

	router := mux.NewRouter()
	logger.AddRequestID(router)
	api.MustNewService(&api.Builder{
		Connection: conn,
		Router:     router,
	})

	if len(service.KafkaBrokers) > 0 {
		brokers := strings.Split(service.KafkaBrokers, ",")
		go func() {
			err := transport.ServeKafka(context.Background(), brokers,
				service.RequestTopic, service.ConsumerGroup, registry.Handle)
			if err != nil {
				rlog.Errorln("kafka consumer stopped:", err)
			}
		}()
		rlog.Infoln("serving registration requests from topic", service.RequestTopic)
	}

	iotBroker := mqtt.MustNewBroker(&mqtt.Builder{
		Checker:    registry,
		Listen:     service.MQTTListen,
		CertFile:   service.CertFile,
		KeyFile:    service.KeyFile,
		CACertFile: service.CACertFile,
	})

	rlog.Infoln("listen on port", service.Port)
	go func() {
		err := http.ListenAndServe(service.Port, handlers.CORS(
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPut, http.MethodDelete}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(router))
		if err != nil {
			rlog.Errorln("rest api stopped:", err)
		}
	}()

	iotBroker.Run()
}
