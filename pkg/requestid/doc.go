// Package requestid correlates HTTP requests with the log records they
// produce.
//
// Middleware attaches an id to every request: a valid incoming X-Request-ID
// header is reused, anything else is replaced by a new UUID. The id is echoed
// back in the response header and stored in the request context.
//
//	log := logger.New(logger.WithContextExtractors(requestid.LoggerExtractor()))
//	r := chi.NewRouter()
//	r.Use(requestid.Middleware)
//
// Every record logged with the request context then carries request_id.
package requestid
