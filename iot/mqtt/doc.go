/*Package mqtt provides the IoT broker for telemetry upload and command
delivery.

Devices connect with the MQTT client ID

	{tenant_id}:{device_id}

and may only act on resources of their own tenant. The broker enforces the
topic policy per packet:

	telemetry/{tenant_id}/{device_id}   publish only
	event/{tenant_id}/{device_id}       publish only
	command/{tenant_id}/{device_id}     subscribe only

A device must be registered with the registration API before the broker
accepts telemetry or events for it; deregistered devices are cut off on the
next packet.

When the broker is configured with TLS client authentication, the
certificate common name must match the MQTT client ID.
*/
package mqtt
