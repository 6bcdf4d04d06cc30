// Package keepalive schedules MQTT keepalive pings and decides when a ping
// should be accompanied by a location publish.
//
// The transport owns the keepalive interval and calls [PingSender.Schedule]
// whenever it wants the next ping, or [PingSender.Reschedule] from inside a
// ping so a session that ended meanwhile is not re-armed. Each time the timer fires the sender pings
// through [Comms] and then hands the tick to a [Counter], which compares the
// last published location with the one it saw on its previous publish:
//
//   - moved (or unknown): publish now and restart the backoff;
//   - stationary: publish the same coordinates with a refreshed timestamp
//     after 1, 1, 2, 3, 5, ... 89 ticks, staying at 89 once reached.
//
// A failed ping never stops the counter from advancing; reconnecting is the
// transport's job.
package keepalive
