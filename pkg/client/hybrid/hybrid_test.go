package hybrid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundtrip(t *testing.T) {
	pubB, privB, err := GenerateKeyPair()
	require.NoError(t, err)
	pubC, privC, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte(`{"query":"select 1"}`)
	body, err := Seal(plaintext, []Recipient{
		{ID: "app1.proxy23.broker23.example.org", Pub: pubB},
		{ID: "app2.proxy23.broker23.example.org", Pub: pubC},
	})
	require.NoError(t, err)

	t.Run("every recipient can open", func(t *testing.T) {
		got, err := Open(body, "app1.proxy23.broker23.example.org", privB)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)

		got, err = Open(body, "app2.proxy23.broker23.example.org", privC)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	})

	t.Run("non-recipient cannot open", func(t *testing.T) {
		_, privX, err := GenerateKeyPair()
		require.NoError(t, err)
		_, err = Open(body, "app9.proxy07.broker23.example.org", privX)
		require.Error(t, err)
	})

	t.Run("wrong key fails", func(t *testing.T) {
		_, err := Open(body, "app1.proxy23.broker23.example.org", privC)
		require.Error(t, err)
	})
}

func TestSealRequiresRecipients(t *testing.T) {
	_, err := Seal([]byte("x"), nil)
	require.Error(t, err)
}

func TestPublicKeyMarshalRoundtrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded, err := MarshalPublicKey(pub)
	require.NoError(t, err)
	back, err := ParsePublicKey(encoded)
	require.NoError(t, err)

	body, err := Seal([]byte("hello"), []Recipient{{ID: "a", Pub: back}})
	require.NoError(t, err)
	got, err := Open(body, "a", priv)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}
