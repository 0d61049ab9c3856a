// Package api implements the local HTTP status API of systemctl-mqtt.
//
// The API is disabled by default and binds to 127.0.0.1. It has no
// authentication; anyone who can reach it can trigger the same actions as
// the MQTT command topics.
//
//	GET  /api/v1/health           200 when MQTT (and the database) are healthy, else 503
//	GET  /api/v1/status           bridge snapshot
//	GET  /api/v1/metrics          runtime, MQTT and action counters
//	GET  /api/v1/actions          action catalogue
//	POST /api/v1/actions/{name}   run an action, e.g. /api/v1/actions/unit/system/ssh.service/restart
//	GET  /api/v1/history          recorded actions (?action=&status=&source=&limit=&offset=)
//
// Lifecycle:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
