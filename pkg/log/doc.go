/*
Package log provides structured logging for Granary using zerolog.

A single global logger is initialized once via Init and shared by every
package. Child loggers scope log lines to a component, silo, grain, or
activation:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	routerLog := log.WithComponent("router")
	routerLog.Debug().
		Uint64("correlation", uint64(msg.ID)).
		Str("target", msg.TargetGrain.String()).
		Msg("request dispatched")

JSON output is intended for production; console output for development.
Use typed fields (.Str, .Int, .Err) rather than formatted strings so
log lines stay queryable.
*/
package log
