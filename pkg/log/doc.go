/*
Package log provides structured logging for Sanctuary using zerolog.

The package wraps zerolog behind a global logger initialized once via
log.Init, with child-logger helpers that attach the fields used across the
codebase:

	authLog := log.WithComponent("auth")
	authLog.Info().Str("agent", addr).Msg("challenge issued")

	agentLog := log.WithAgent("0xabc...")
	agentLog.Warn().Msg("daily snapshot limit reached")

JSON output is intended for production; the console writer is for local
development. Levels follow the usual debug/info/warn/error ladder and are
filtered globally.
*/
package log
