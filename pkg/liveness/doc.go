/*
Package liveness classifies storage nodes by the time since their last
heartbeat.

Two thresholds apply, stale < dead:

	          heartbeat                 heartbeat
	  ┌─────────────────────┐     (ignored until Reregister)
	  ▼                     │
	HEALTHY ──stale──► STALE ──dead──► DEAD
	   ▲                                 │
	   └──────────── Reregister ─────────┘

Evaluate runs on its own interval and never touches container state. Every
transition is handed, in order, to the handlers registered with Subscribe
and published on the event broker. The replica reconciler subscribes to drop
the replicas of nodes that become DEAD.

Heartbeat times are the manager's receive times, read from the injected
Clock, so node clock skew cannot affect classification.
*/
package liveness
