// Package sessions tracks the client connections attached to the bridge and
// the backend requests each of them is waiting on.
//
// Two views share one lock domain:
//
//	Registry -> session ID to outbound Sink (persistent or oneshot)
//	Router   -> in-flight request ID to the session ID owed its response
//
// Every mutation of either map happens under the Registry's mutex, so a
// concurrent observer never sees a session removed while routes to it remain,
// or a route recorded for a session that was never registered. Writes to a
// Sink never happen while that mutex is held; each session carries its own
// lock and closed flag so that nothing is written to a sink after the session
// has been torn down.
//
// Registering an ID that is already present closes the former sink and
// purges the former session's routes before the new entry becomes visible.
package sessions
