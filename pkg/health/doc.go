/*
Package health provides the pluggable health probe mechanism a node agent
consults during its self-health step: HTTP, TCP, and Exec checkers, all
implementing:

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

The agent registers these as user-supplied probes, run after the built-in
CPU/memory/container checks; the first failing probe short-circuits the
tick and freezes the node. Because a single verdict is that consequential,
Debounced wraps any Checker with a Config (Timeout, Retries, StartPeriod)
and only reports unhealthy after Retries consecutive failures, avoiding
single-blip freezes.
*/
package health
