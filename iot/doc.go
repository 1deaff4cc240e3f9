/*Package iot provides core IoT functionality

It contains the device registration API with a RESTful surface, an MQTT
broker for telemetry upload and command delivery, and a flow-controlled
telemetry producer.

The RESTful api and the telemetry producer can be used with different
MQTT brokers, such as AWS IoT. They only need a message publisher
interface to publish messages to a device topic. The broker does satisfy
this interface, hence broker, api and producer work together well.
*/
package iot
