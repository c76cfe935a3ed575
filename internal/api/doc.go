// Package api hosts the HTTP server, middleware, and the scrapyd-compatible
// JSON endpoints. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /schedule.json, /cancel.json and /invalidate.json.
//   - GET /daemonstatus.json, /listjobs.json, /listspiders.json and
//     /listprojects.json.
//
// Request parameters are form encoded (query string or body) and every
// response carries node_name and status.
package api
