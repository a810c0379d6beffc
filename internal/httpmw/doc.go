// Package httpmw holds the middleware of the signing API.
//
// httpserver.NewHandler composes them outermost first: panic recovery,
// security headers, request id, client ip, rate limiting, tracing,
// metrics, request logger, then the chi router with access logging and
// body limits. Message bodies and signatures are never logged.
package httpmw
