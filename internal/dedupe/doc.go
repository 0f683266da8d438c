// Package dedupe provides a time-bounded set of claimed keys. The gateway
// uses it to reject a second producer for a conversation that already has
// one running.
package dedupe
