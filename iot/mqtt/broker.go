package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/iothub/core/logger"
	"github.com/relabs-tech/iothub/core/resource"
	"github.com/relabs-tech/iothub/iot"
	"github.com/relabs-tech/iothub/iot/telemetry"
)

// endpoints of the topic policy
const (
	EndpointTelemetry = telemetry.Endpoint
	EndpointEvent     = "event"
	EndpointCommand   = "command"
)

// Broker is the MQTT broker for IoT devices. It satisfies
// iot.MessagePublisher.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker.
type Builder struct {
	// Checker gates telemetry upload to registered devices.
	// This is mandatory.
	Checker iot.DeviceChecker
	// Listen is the address to listen on. The default is ":1883",
	// or ":8883" with TLS.
	Listen string
	// CertFile and KeyFile are the file paths to the broker's X.509
	// certificate and private key. Optional; when empty, the broker
	// listens on plain TCP.
	CertFile string
	KeyFile  string
	// CACertFile is the file path to the X.509 certificate of the
	// certificate authority that signs device client certificates.
	// Optional; when set, clients must present a certificate whose
	// common name matches their MQTT client ID.
	CACertFile string
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln         net.Listener
	checker    iot.DeviceChecker
	requireTLS bool

	clientIdsRwmux sync.RWMutex
	clientIds      map[net.Conn]string

	service gmqtt.Server
}

// MustNewBroker returns a new broker. The broker does not accept
// connections until Run is called.
func MustNewBroker(b *Builder) *Broker {
	if b.Checker == nil {
		panic("checker is missing")
	}

	useTLS := len(b.CertFile) > 0 || len(b.KeyFile) > 0
	listen := b.Listen
	if len(listen) == 0 {
		if useTLS {
			listen = ":8883"
		} else {
			listen = ":1883"
		}
	}

	var ln net.Listener
	if useTLS {
		crt, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
		if err != nil {
			panic(err)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{crt},
		}
		if len(b.CACertFile) > 0 {
			caCert, err := os.ReadFile(b.CACertFile)
			if err != nil {
				panic(err)
			}
			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCert) {
				panic("cannot parse CA certificate")
			}
			tlsConfig.ClientCAs = caCertPool
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
		ln, err = tls.Listen("tcp", listen, tlsConfig)
		if err != nil {
			panic(err)
		}
	} else {
		var err error
		ln, err = net.Listen("tcp", listen)
		if err != nil {
			panic(err)
		}
	}

	return &Broker{
		p: &plugin{
			ln:         ln,
			checker:    b.Checker,
			requireTLS: useTLS && len(b.CACertFile) > 0,
			clientIds:  make(map[net.Conn]string),
		},
	}
}

// Run is blocking and runs the broker. It listens on syscall.SIGTERM for
// a graceful shutdown.
func (b *Broker) Run() {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()

	logger.Default().Infoln("broker started on", b.p.ln.Addr())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	s.Stop(context.Background())
	logger.Default().Infoln("broker stopped")
}

// PublishMessageQ1 publishes an MQTT message with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "iothub broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// splitClientID splits an MQTT client ID of the form {tenant}:{device}.
func splitClientID(clientID string) (tenantID, deviceID string, ok bool) {
	tenantID, deviceID, ok = strings.Cut(clientID, ":")
	if !ok || tenantID == "" || deviceID == "" {
		return "", "", false
	}
	return tenantID, deviceID, true
}

func (p *plugin) commonNameFromConnection(conn net.Conn) string {
	p.clientIdsRwmux.RLock()
	defer p.clientIdsRwmux.RUnlock()
	return p.clientIds[conn]
}

// OnAcceptWrapper remembers the certificate common name of TLS clients
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			if err := tlsConn.Handshake(); err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.VerifiedChains) > 0 {
				commonName := state.VerifiedChains[0][0].Subject.CommonName
				p.clientIdsRwmux.Lock()
				p.clientIds[conn] = commonName
				p.clientIdsRwmux.Unlock()
			}
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces the client ID format and, for TLS clients,
// that the client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		clientID := client.OptionsReader().ClientID()
		tenantID, deviceID, ok := splitClientID(clientID)
		if !ok {
			logger.Default().Warnln("connect denied, malformed client ID:", clientID)
			return packets.CodeNotAuthorized
		}
		if p.requireTLS && p.commonNameFromConnection(client.Connection()) != clientID {
			logger.Default().Warnln("connect denied,", clientID, "does not match certificate")
			return packets.CodeNotAuthorized
		}
		logger.Default().Debugln("connect", tenantID, deviceID)
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper enforces the publish policy: a registered device may
// publish telemetry and events for itself only
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		clientID := client.OptionsReader().ClientID()
		tenantID, deviceID, ok := splitClientID(clientID)
		if !ok {
			return false
		}

		id, err := resource.Parse(msg.Topic())
		if err != nil {
			logger.Default().Warnln("publish denied, invalid topic:", msg.Topic())
			return false
		}
		if !id.Matches(EndpointTelemetry, tenantID, deviceID) &&
			!id.Matches(EndpointEvent, tenantID, deviceID) {
			logger.Default().Warnln("publish denied,", clientID, "may not publish to", msg.Topic())
			return false
		}
		if !p.checker.IsRegistered(tenantID, deviceID) {
			logger.Default().Warnln("publish denied,", deviceID, "is not registered")
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces the subscribe policy: a device may subscribe
// to its own command topic only
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		tenantID, deviceID, ok := splitClientID(clientID)
		if !ok {
			return packets.SUBSCRIBE_FAILURE
		}

		id, err := resource.Parse(topic.Name)
		if err != nil || !id.Matches(EndpointCommand, tenantID, deviceID) {
			logger.Default().Warnln("subscribe denied,", clientID, "may not subscribe to", topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}
