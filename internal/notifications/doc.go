// Package notifications fans build events out to observers.
//
// Bus is the in-process Notification Bus. Publish assigns a per-build
// sequence number and never blocks: every subscription owns a bounded queue
// that drops its oldest event when full, and a pump goroutine delivers the
// queue on the subscription channel in publish order. Subscribing to a build
// first re-delivers that build's latest event, so a reconnecting observer
// always sees the current state at least once. Observers must tolerate gaps
// (see Subscription.Dropped) and re-read authoritative state from the
// workflow engine.
//
// Service is the push-notification surface. The ntfy implementation posts to
// the configured topic; without a topic a noop implementation is used.
// Forwarder bridges the two, relaying selected events to the Service.
package notifications
