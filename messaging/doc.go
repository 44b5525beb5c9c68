// Package messaging keeps a single RabbitMQ queue consumer alive and feeds its
// deliveries to application handlers.
//
// A Watcher owns one channel and one consumer registration:
//   - StartWatch applies the prefetch count, registers a consumer and starts
//     the delivery loop
//   - Stop cancels the consumer, waits for the in-flight delivery and closes
//     the channel
//   - when the broker shuts the channel down the same queue is subscribed
//     again on a fresh channel, retrying per the reinitialization policy
//
// Deliveries are handled one at a time through a Dispatcher. SyncDispatcher
// blocks on a Handler; AsyncDispatcher waits for the Future returned by an
// AsyncHandler. Either way every delivery is positively acknowledged exactly
// once after its handler finishes, including when decoding or handling failed.
// Failures are reported to the Watcher's ErrorSink instead.
//
// Example usage:
//
//	decoder := messaging.DecoderFunc[string](func(body []byte) (string, error) {
//		return string(body), nil
//	})
//	handler := messaging.HandlerFunc[string](func(ctx context.Context, msg string) error {
//		return process(msg)
//	})
//
//	watcher := messaging.NewWatcher(provider, messaging.NewSyncDispatcher(decoder, handler))
//	watcher.Errors().OnError(func(event messaging.ErrorEvent) {
//		log.Printf("delivery %d failed: %v", event.Delivery.Tag, event.Err)
//	})
//
//	if err := watcher.StartWatch(ctx, "orders", 10); err != nil {
//		return err
//	}
//	defer watcher.Stop(context.Background())
package messaging
