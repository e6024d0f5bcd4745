/*
Package log provides structured logging for bazbeans using zerolog.

It wraps a single global zerolog.Logger, initialized once via Init, with
helpers for attaching component and node context to derived loggers.
Config.JSONOutput=true selects JSON lines; the zero value (false) selects
console output. The two daemons default their --log-json flag to true.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	agentLog := log.WithComponent("agent").With().Str("node_id", nodeID).Logger()
	agentLog.Info().Msg("tick started")
	agentLog.Error().Err(err).Str("kind", cmd.Kind).Msg("command handler failed")

Coordinator I/O failures in the agent and proxy updater are logged at Warn
and the caller continues; only invalid configuration at startup is fatal,
and that surfaces as an error from the binary's RunE, not through this
package.
*/
package log
