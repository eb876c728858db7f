// Package eventbus implements the in-process Event Bus.
//
// The bus decouples raw realtime messages from application consumers:
//   - Consumers subscribe by topic name and get a Subscription handle
//   - The Connection Manager publishes decoded events by topic
//   - Delivery is synchronous and in registration order per topic
//   - Topics nobody subscribed to are dropped
package eventbus
