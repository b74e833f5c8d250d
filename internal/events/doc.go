// Package events provides types and interfaces for broadcasting job
// lifecycle transitions.
//
// The engine publishes an event after every persisted status transition;
// observers (metrics, UI layers) subscribe without the engine knowing who
// is listening. Delivery is in-process and best-effort: a slow subscriber
// never blocks publication to others, and a subscriber added after an
// event was published does not see that past event.
package events
