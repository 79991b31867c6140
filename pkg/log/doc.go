/*
Package log provides structured logging using zerolog.

The package keeps one global zerolog.Logger, configured once with Init and
a no-op logger until then, so packages can log from init paths and tests
without setup.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("storage")
	logger.Info().Uint64("txg", txg).Msg("txg synced")

	vlog := log.WithVolume("zvol", "tank/vm0")
	vlog.Warn().Msg("still waiting for open handles")

# Levels

	debug  lock backoff, txg syncs, per-volume detail
	info   lifecycle: pools, datasets, volumes created, renamed, removed
	warn   drain timeouts, dropped events
	error  failed syncs and shutdowns

Console output (the default) is meant for the CLI. Set JSONOutput for
log shippers.
*/
package log
