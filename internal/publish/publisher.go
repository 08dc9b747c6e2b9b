// Package publish posts serialized work-order messages onto the broker queue
// consumed by the downstream aggregation workers.
package publish

import "context"

// Publisher posts one serialized message onto the configured queue.
// Delivery is best-effort; there is no confirm handshake beyond the produce
// error itself.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}
