package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAppOrProxyID(t *testing.T) {
	broker, err := NewBrokerID("broker23.example.org")
	require.NoError(t, err)

	t.Run("proxy id", func(t *testing.T) {
		id, err := ParseAppOrProxyID("proxy42.broker23.example.org", broker)
		require.NoError(t, err)
		require.Equal(t, KindProxy, id.Kind())
		require.Equal(t, "proxy42.broker23.example.org", id.String())
	})

	t.Run("app id", func(t *testing.T) {
		id, err := ParseAppOrProxyID("app1.proxy42.broker23.example.org", broker)
		require.NoError(t, err)
		require.Equal(t, KindApp, id.Kind())
		require.Equal(t, ProxyID("proxy42.broker23.example.org"), id.Proxy())
	})

	t.Run("case is normalized", func(t *testing.T) {
		a, err := ParseAppOrProxyID("App1.Proxy42.Broker23.Example.Org", broker)
		require.NoError(t, err)
		b, err := ParseAppOrProxyID("app1.proxy42.broker23.example.org", broker)
		require.NoError(t, err)
		require.True(t, a.Equal(b))
	})

	t.Run("wrong broker", func(t *testing.T) {
		_, err := ParseAppOrProxyID("app1.proxy42.other.example.org", broker)
		require.Error(t, err)
	})

	t.Run("too deep", func(t *testing.T) {
		_, err := ParseAppOrProxyID("x.app1.proxy42.broker23.example.org", broker)
		require.Error(t, err)
	})

	t.Run("bad label", func(t *testing.T) {
		_, err := ParseAppOrProxyID("app_1.proxy42.broker23.example.org", broker)
		require.Error(t, err)
		_, err = ParseAppOrProxyID("-app.proxy42.broker23.example.org", broker)
		require.Error(t, err)
	})
}

func TestAppOrProxyIDJSON(t *testing.T) {
	broker, err := NewBrokerID("broker23.example.org")
	require.NoError(t, err)
	id, err := ParseAppOrProxyID("app1.proxy42.broker23.example.org", broker)
	require.NoError(t, err)

	data, err := json.Marshal(id)
	require.NoError(t, err)
	require.JSONEq(t, `"app1.proxy42.broker23.example.org"`, string(data))

	var back AppOrProxyID
	require.NoError(t, json.Unmarshal(data, &back))
	require.True(t, back.Equal(id))
}

func TestContainsID(t *testing.T) {
	broker, _ := NewBrokerID("broker.example.org")
	a, _ := ParseAppOrProxyID("a.p.broker.example.org", broker)
	b, _ := ParseAppOrProxyID("b.p.broker.example.org", broker)
	c, _ := ParseAppOrProxyID("c.p.broker.example.org", broker)

	set := []AppOrProxyID{a, b}
	require.True(t, ContainsID(set, a))
	require.True(t, ContainsID(set, b))
	require.False(t, ContainsID(set, c))
}
