// Package logging provides structured logging for amplifierd.
//
// The package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Dual output (stdout + OpenTelemetry log bridge)
//   - Context field injection (trace_id, session.id, device.id, request.id)
//   - Redaction of secrets and notification content
//   - Level-aware sampling (errors never sampled)
//
// Create the process logger from config and hand the underlying
// *zap.Logger to components:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//	mgr := session.NewManager(cfg, factory, logger.Underlying())
//
// Correlate entries with the request they belong to:
//
//	ctx = logging.WithSessionID(ctx, "planner")
//	logger.Info(ctx, "execute finished", zap.Duration("took", d))
//
// Notification subjects and bodies are logged only as redacted lengths.
// Use ContentField for anything that carries user message text.
package logging
