package iot

// MessagePublisher is an interface to publish a message to a topic with
// at-least-once delivery. The MQTT broker satisfies this interface.
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte)
}

// DeviceChecker reports whether a device is registered under a tenant.
// The registration registry satisfies this interface.
type DeviceChecker interface {
	IsRegistered(tenantID, deviceID string) bool
}
