// Package gatekeeper is the admission control layer for the job services
// marketplace API.
//
// It sits in front of the application backend and enforces three policies:
// per-tier request quotas over a fixed window, per-user and per-IP
// websocket connection caps with origin validation, and a durable audit
// trail of limit events with a monitoring read API on top.
//
// Install the server:
//
//	go install github.com/jobfinder/gatekeeper/cmd/gatekeeper@latest
//
// Start it with a configuration file:
//
//	gatekeeper serve --config config.yaml
//
// Or embed the packages directly:
//
//	import (
//	    "github.com/jobfinder/gatekeeper/pkg/ratelimit"
//	    "github.com/jobfinder/gatekeeper/pkg/wsgate"
//	    "github.com/jobfinder/gatekeeper/pkg/server"
//	)
//
// See examples/config.yaml for a complete annotated configuration.
package gatekeeper
