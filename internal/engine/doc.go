// Package engine is the host update loop of scenesync.
//
// All conflict state and every live scene are owned by a single goroutine,
// the one running Engine.Run. Other goroutines (RPC connections, admin
// handlers) hand work to that goroutine with Engine.Do and wait for it to
// finish. Jobs run one at a time in FIFO order, so a job sees the effects of
// every job enqueued before it and never interleaves with another.
//
// A caller whose context ends while waiting gets ctx.Err(), but a job that
// has been dequeued always runs to completion. A push therefore applies all
// of its records or, if it never reached the loop, none of them.
package engine
