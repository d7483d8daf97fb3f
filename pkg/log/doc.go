/*
Package log provides structured logging for strata using zerolog.

A single global zerolog.Logger is initialized once via Init and shared by
every subsystem. Component loggers (WithComponent, WithNodeID, WithTenantID,
WithTimelineID) attach the fields a reader needs to trace one safekeeper
message or one pageserver request across an otherwise interleaved log
stream.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	skLog := log.WithComponent("safekeeper").With().
		Str("timeline_id", tli.String()).Logger()
	skLog.Info().Uint64("term", uint64(term)).Msg("vote granted")

JSONOutput controls JSON vs human-readable console output; pick JSON in
production and console during local development. Fatal logs the message and
calls os.Exit(1) — reserve it for startup configuration errors, never for
per-request failures.
*/
package log
