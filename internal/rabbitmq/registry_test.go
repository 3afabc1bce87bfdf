package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueName(t *testing.T) {
	t.Run("replaces the separator", func(t *testing.T) {
		assert.Equal(t, "orders_created", QueueName("orders.created"))
	})

	t.Run("replaces only the first separator", func(t *testing.T) {
		assert.Equal(t, "a_b.c", QueueName("a.b.c"))
		assert.Equal(t, "order_*.#", QueueName("order.*.#"))
	})

	t.Run("leaves topics without separator alone", func(t *testing.T) {
		assert.Equal(t, "orders", QueueName("orders"))
		assert.Equal(t, "#", QueueName("#"))
		assert.Equal(t, "", QueueName(""))
	})

	t.Run("is deterministic", func(t *testing.T) {
		for _, topic := range []string{"x.y", "a.b.c", "..", "*.created"} {
			assert.Equal(t, QueueName(topic), QueueName(topic))
		}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("EnsureExchange is idempotent", func(t *testing.T) {
		r := NewRegistry()
		r.EnsureExchange("orders")
		r.PutBinding("orders", "svc1", &Binding{Exchange: "orders", Name: "svc1"})
		r.EnsureExchange("orders")

		assert.True(t, r.HasExchange("orders"))
		_, ok := r.Binding("orders", "svc1")
		assert.True(t, ok, "re-ensuring must not drop existing bindings")
	})

	t.Run("Binding never creates", func(t *testing.T) {
		r := NewRegistry()
		_, ok := r.Binding("orders", "svc1")
		assert.False(t, ok)
		assert.False(t, r.HasExchange("orders"))

		r.EnsureExchange("orders")
		_, ok = r.Binding("orders", "svc1")
		assert.False(t, ok)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("PutBinding stores under exchange and channel", func(t *testing.T) {
		r := NewRegistry()
		b := &Binding{Exchange: "orders", Name: "svc1"}
		r.PutBinding("orders", "svc1", b)

		got, ok := r.Binding("orders", "svc1")
		require.True(t, ok)
		assert.Same(t, b, got)
		assert.True(t, r.HasExchange("orders"))
	})

	t.Run("Bindings returns all bindings ordered", func(t *testing.T) {
		r := NewRegistry()
		r.PutBinding("payments", "a", &Binding{Exchange: "payments", Name: "a"})
		r.PutBinding("orders", "b", &Binding{Exchange: "orders", Name: "b"})
		r.PutBinding("orders", "a", &Binding{Exchange: "orders", Name: "a"})
		r.EnsureExchange("empty")

		all := r.Bindings()
		require.Len(t, all, 3)
		assert.Equal(t, 3, r.Len())
		assert.Equal(t, "orders/a", all[0].Exchange+"/"+all[0].Name)
		assert.Equal(t, "orders/b", all[1].Exchange+"/"+all[1].Name)
		assert.Equal(t, "payments/a", all[2].Exchange+"/"+all[2].Name)
	})
}
