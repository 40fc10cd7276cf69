package keyset

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settld-gateway/pkg/crypto"
)

func TestSnapshotJWKSRoundTrip(t *testing.T) {
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)

	snapshot := SnapshotForSigningKey(key)
	doc := snapshot.JWKS()
	require.Len(t, doc.Keys, 1)
	assert.Equal(t, "OKP", doc.Keys[0].Kty)
	assert.Equal(t, "Ed25519", doc.Keys[0].Crv)
	assert.Equal(t, key.KeyID, doc.Keys[0].Kid)

	reparsed := SnapshotFromJWKS(doc)
	assert.Equal(t, []byte(key.Public), reparsed.Resolve(key.KeyID))
	assert.Nil(t, reparsed.Resolve("unknown"))
}

func TestRotatingSwapsAtomically(t *testing.T) {
	first, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	second, err := crypto.GenerateSigningKey()
	require.NoError(t, err)

	rotating := NewRotating(SnapshotForSigningKey(first))
	assert.NotNil(t, rotating.Resolve(first.KeyID))

	rotating.Rotate(SnapshotForSigningKey(second))
	assert.Nil(t, rotating.Resolve(first.KeyID))
	assert.NotNil(t, rotating.Resolve(second.KeyID))
}

func TestClientServesPinnedFallback(t *testing.T) {
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	pinnedPEM, err := key.PublicKeyPEM()
	require.NoError(t, err)

	// No well-known URL: only the pinned key resolves.
	client, err := NewClient(ClientOptions{PinnedKeyPEM: string(pinnedPEM)})
	require.NoError(t, err)
	assert.NotNil(t, client.Resolve(key.KeyID))
	assert.Nil(t, client.Resolve("missing"))
}

func TestClientFetchesWellKnownAndHonorsMaxAge(t *testing.T) {
	remote, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	pinned, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	pinnedPEM, err := pinned.PublicKeyPEM()
	require.NoError(t, err)

	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		w.Header().Set("Cache-Control", "max-age=300")
		render.JSON(w, r, SnapshotForSigningKey(remote).JWKS())
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientOptions{
		WellKnownURL: srv.URL,
		PinnedKeyPEM: string(pinnedPEM),
	})
	require.NoError(t, err)

	// Remote and pinned keys both resolve; the snapshot is served from cache
	// on subsequent lookups.
	assert.NotNil(t, client.Resolve(remote.KeyID))
	assert.NotNil(t, client.Resolve(pinned.KeyID))
	assert.NotNil(t, client.Resolve(remote.KeyID))
	assert.Equal(t, 1, fetches)
}

func TestParseMaxAge(t *testing.T) {
	assert.Equal(t, int64(300), int64(parseMaxAge("public, max-age=300").Seconds()))
	assert.Equal(t, int64(0), int64(parseMaxAge("no-cache").Seconds()))
	assert.Equal(t, int64(0), int64(parseMaxAge("").Seconds()))
}
