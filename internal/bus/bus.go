// Package bus provides the in-process event bus that decouples the
// coordinator from the stratum servers, the policy engine and the
// notification pipeline.
package bus

import (
	evbus "github.com/asaskevich/EventBus"
)

// Topics carried on the bus
const (
	TopicTemplateUpdated   = "template.updated"
	TopicHashFactorUpdated = "hashfactor.updated"
	TopicAlgoSwitched      = "algo.switched"
	TopicBanIP             = "policy.ban_ip"
	TopicShareCounted      = "shares.counted"
	TopicBlockFound        = "blocks.found"
	TopicMinerCount        = "miners.count"
)

// TemplateUpdate is published whenever a coin receives a fresh block template
type TemplateUpdate struct {
	Coin       string
	Algo       string
	Height     uint64
	PrevHash   string
	Difficulty uint64
}

// HashFactorUpdate is published when a coin's algo hash factor changes
type HashFactorUpdate struct {
	Coin   string
	Algo   string
	Factor float64
}

// AlgoSwitch is published when a port's active algorithm changes
type AlgoSwitch struct {
	Port int
	From string
	To   string
}

// BanIP is published when the policy engine bans an address
type BanIP struct {
	IP       string
	Reason   string
	Duration int64 // seconds, 0 means permanent
}

// Share outcome labels carried on TopicShareCounted
const (
	ShareTrusted   = "trusted"
	ShareNormal    = "normal"
	ShareInvalid   = "invalid"
	ShareOutdated  = "outdated"
	ShareThrottled = "throttled"
)

// ShareCount is published by the stratum servers so the coordinator can
// keep live outcome counters without touching the session maps
type ShareCount struct {
	Coin       string
	Algo       string
	Wallet     string
	Difficulty uint64
	Outcome    string
}

// BlockFound is published when a submitted share solves a block
type BlockFound struct {
	Coin   string
	Height uint64
	Hash   string
	Wallet string
}

// Bus wraps the underlying event bus with the pool's topics. Handlers
// subscribed async are transactional per topic: one handler runs at a
// time, in publish order.
type Bus struct {
	bus evbus.Bus
}

// New creates an event bus
func New() *Bus {
	return &Bus{bus: evbus.New()}
}

// Publish delivers an event to all subscribers of the topic
func (b *Bus) Publish(topic string, args ...interface{}) {
	b.bus.Publish(topic, args...)
}

// Subscribe registers a synchronous handler for a topic
func (b *Bus) Subscribe(topic string, handler interface{}) error {
	return b.bus.Subscribe(topic, handler)
}

// SubscribeAsync registers a handler that runs in its own goroutine
func (b *Bus) SubscribeAsync(topic string, handler interface{}) error {
	return b.bus.SubscribeAsync(topic, handler, true)
}

// Unsubscribe removes a previously registered handler
func (b *Bus) Unsubscribe(topic string, handler interface{}) error {
	return b.bus.Unsubscribe(topic, handler)
}

// WaitAsync blocks until all async handlers have finished
func (b *Bus) WaitAsync() {
	b.bus.WaitAsync()
}

// HasSubscribers reports whether any handler is registered for the topic
func (b *Bus) HasSubscribers(topic string) bool {
	return b.bus.HasCallback(topic)
}
