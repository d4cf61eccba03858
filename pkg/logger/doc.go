// Package logger builds the slog.Logger shared by quotakit components and
// provides attribute helpers so every component names fields the same way.
//
//	log := logger.New(logger.FromConfig(cfg)...)
//	log.WarnContext(ctx, "entitlement backend unreachable, using defaults",
//		logger.UserID(userID),
//		logger.Feature(feature),
//		logger.Error(err),
//	)
//
// LogHandlerDecorator injects request-scoped values from the context on each
// record. Register them with WithContextValue or WithContextExtractors.
package logger
