// Package logger builds *slog.Logger instances for the notification service
// and provides attribute constructors so every component logs recipients,
// categories and batch sizes under the same keys.
//
// # Usage
//
//	log := logger.New(
//	    logger.WithEnvironment("production", "notifyd"),
//	    logger.WithContextValue("request_id", requestIDKey{}),
//	)
//	logger.SetAsDefault(log)
//
//	log.WarnContext(ctx, "batch flush failed",
//	    logger.RecipientID(key.RecipientID),
//	    logger.Category(key.Category),
//	    logger.BatchSize(len(drafts)),
//	    logger.Error(err),
//	)
//
// Error and Errors return an empty attribute for nil errors, so they can be
// passed unconditionally.
package logger
