// Package disconnect keeps the set of pending "disconnect member from
// voice" actions: it persists them, arms one timer per record, fires them
// through an Effect, and recovers the set after a restart.
//
// Delivery is at least once. A record is removed from the store only after
// its effect returned, so a crash mid-fire repeats the disconnect on the
// next start.
package disconnect
