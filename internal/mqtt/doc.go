// Package mqtt mirrors the event bus to an MQTT broker so dashboards
// and home automation can follow runs, tool results and new project
// versions as they happen.
//
// Events are published to <prefix>/events/<source>/<kind> as JSON. A
// retained <prefix>/stats message carries uptime and today's run and
// token totals. The availability topic reads "online" while connected;
// a will message flips it to "offline" on unexpected disconnects.
// Publishing a conversation ID to <prefix>/command/stop stops that
// conversation's active run.
//
// Connections are managed by Eclipse Paho v2's [autopaho], which
// reconnects automatically and resubscribes on every connect.
package mqtt
