package rabbitmq

import (
	"sort"
	"strings"
	"sync"
)

// TopicSeparator separates the words of a routing key
const TopicSeparator = "."

// QueueName derives the queue name for a topic. Only the first separator is
// replaced, so "a.b.c" becomes "a_b.c".
func QueueName(topic string) string {
	return strings.Replace(topic, TopicSeparator, "_", 1)
}

// Binding is a broker channel bound to a single queue on an exchange.
type Binding struct {
	Exchange string
	Name     string
	Topic    string
	Queue    string
	Channel  Channel
}

// Registry records the bindings created per exchange. It performs no I/O.
type Registry struct {
	mu        sync.RWMutex
	exchanges map[string]map[string]*Binding
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		exchanges: make(map[string]map[string]*Binding),
	}
}

// EnsureExchange adds an empty entry for the exchange if it is missing
func (r *Registry) EnsureExchange(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exchanges[name]; !ok {
		r.exchanges[name] = make(map[string]*Binding)
	}
}

// HasExchange reports whether the exchange has been registered
func (r *Registry) HasExchange(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.exchanges[name]
	return ok
}

// Binding looks up an existing binding; it never creates one
func (r *Registry) Binding(exchange, channel string) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels, ok := r.exchanges[exchange]
	if !ok {
		return nil, false
	}
	b, ok := channels[channel]
	return b, ok
}

// PutBinding stores a binding, registering the exchange if needed
func (r *Registry) PutBinding(exchange, channel string, b *Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels, ok := r.exchanges[exchange]
	if !ok {
		channels = make(map[string]*Binding)
		r.exchanges[exchange] = channels
	}
	channels[channel] = b
}

// Bindings returns a snapshot of every binding, ordered by exchange then channel name
func (r *Registry) Bindings() []*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Binding
	for _, channels := range r.exchanges {
		for _, b := range channels {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of bindings across all exchanges
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, channels := range r.exchanges {
		n += len(channels)
	}
	return n
}
