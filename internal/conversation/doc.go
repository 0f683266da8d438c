// Package conversation implements progress streaming for chat responses over
// a plain key-value store.
//
// # Overview
//
// One producer per conversation streams tokens from the chat provider into a
// Record stored under conv:<id>. Any number of pollers read that
// record independently and reconstruct the response in order. The store has
// no append, no pub/sub and no conditional writes, so ordering comes from
// the indices the producer assigns.
//
// # Components
//
//   - RecordStore: typed get/put/delete of Records over store.Store
//   - Recorder: producer side; first token creates the record, later tokens
//     read-modify-write it, one terminal write closes it
//   - Reader: consumer side; given the last index seen, returns the next
//     slice of text, the terminal result, the terminal error, or not-found
//   - Waiter: blocks until a record exists, bounded by a timeout and ctx
//   - Lifecycle: stamps the ttl the store evicts by
//   - Service: validates requests, runs producers, answers polls
//
// # Record states
//
// A record is in exactly one of three states:
//
//	in progress   {"tokens":[{"index":1,"token":"Hel"}],"done":false,"ttl":...}
//	done          {"done":true,"result":{...},"ttl":...}
//	failed        {"error":{"code":503,"message":"..."},"ttl":...}
//
// Transitions only go from in progress to done or failed. Once a Recorder
// has attempted its terminal write it accepts no more tokens, and an append
// that finds a terminal record is dropped.
//
// # Polling
//
// A poller starts at index 0 and passes back the Next value of each partial
// delta:
//
//	d, _ := svc.Read(ctx, id, next)
//	switch d.Kind {
//	case conversation.DeltaPartial:
//		next = d.Next
//	case conversation.DeltaResult, conversation.DeltaError:
//		// stop
//	}
//
// Follow does the same loop server-side and is woken early by the
// Broadcaster when a producer in this process writes.
//
// # Single producer
//
// Service rejects a second Send for a conversation whose producer is still
// running with ErrConversationBusy. The guard is per process; two gateway
// processes sharing a store can still race.
package conversation
