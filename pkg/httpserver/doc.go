// Package httpserver runs the notification API with graceful shutdown.
//
// Server wraps http.Server: Run blocks until its context is cancelled and
// then shuts down within the configured deadline. Shutdown hooks registered
// with WithShutdownHook fire as soon as shutdown begins, which lets the
// SSE and WebSocket handlers release their subscriptions.
//
//	srv := httpserver.NewFromConfig(cfg,
//		httpserver.WithLogger(log),
//		httpserver.WithShutdownHook(streams.Close),
//	)
//	if err := srv.Run(ctx, router); err != nil {
//		return err
//	}
//
// HealthCheckHandler backs the /healthz and /readyz endpoints.
package httpserver
