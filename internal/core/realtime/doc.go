// Package realtime tracks live sessions and fans committed stock mutations out
// to them.
//
// A Registry owns sessions and their topic subscriptions. A Broadcaster keeps
// one FIFO queue per topic and delivers each event to a snapshot of the
// topic's subscribers without ever waiting on a slow session: a session whose
// Sink refuses an event is disconnected. Delivery is at-most-once and nothing
// is replayed; late joiners read current state from the store.
package realtime
