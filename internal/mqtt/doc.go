// Package mqtt mirrors agent activity onto an MQTT broker and,
// optionally, accepts task requests from it.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic and re-subscribes to the request topic. A will
// message moves the availability topic to "offline" on unexpected
// disconnects.
//
// Topics, relative to the configured prefix:
//
//	<prefix>/availability        online | offline (retained)
//	<prefix>/events/<kind>       JSON event from the in-process bus
//	<prefix>/request             inbound task requests
//	<prefix>/result              JSON answer for each request
package mqtt
