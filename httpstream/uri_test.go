package httpstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveURI(t *testing.T) {
	t.Run("test PlainHTTPPassthrough", testPlainHTTPPassthrough)
	t.Run("test RemoteTrackEnvelope", testRemoteTrackEnvelope)
	t.Run("test RemoteTrackEnvelopeDefaultType", testRemoteTrackEnvelopeDefaultType)
	t.Run("test RemoteTrackEnvelopeMalformedJSON", testRemoteTrackEnvelopeMalformedJSON)
	t.Run("test RemoteTrackEnvelopeMissingURI", testRemoteTrackEnvelopeMissingURI)
	t.Run("test RemoteTrackEnvelopeMissingOriginalURI", testRemoteTrackEnvelopeMissingOriginalURI)
}

func testPlainHTTPPassthrough(t *testing.T) {
	resolved, err := resolveURI("https://example.test/track.mp3")
	require.NoError(t, err)

	assert.Equal(t, "https://example.test/track.mp3", resolved.transferURL)
	assert.Equal(t, "https://example.test/track.mp3", resolved.consumerURI)
	assert.Empty(t, resolved.contentType)
	assert.Empty(t, resolved.authHeader)
}

func testRemoteTrackEnvelope(t *testing.T) {
	raw := RemoteTrackScheme + `{"uri":"https://origin.test/stream","originalUri":"musikcube://library/42","type":".flac","password":"hunter2"}`

	resolved, err := resolveURI(raw)
	require.NoError(t, err)

	assert.Equal(t, "https://origin.test/stream", resolved.transferURL)
	assert.Equal(t, "musikcube://library/42", resolved.consumerURI)
	assert.Equal(t, ".flac", resolved.contentType)
	assert.Equal(t, "Basic ZGVmYXVsdDpodW50ZXIy", resolved.authHeader)
}

func testRemoteTrackEnvelopeDefaultType(t *testing.T) {
	raw := RemoteTrackScheme + `{"uri":"https://origin.test/stream","originalUri":"musikcube://library/42"}`

	resolved, err := resolveURI(raw)
	require.NoError(t, err)

	assert.Equal(t, defaultEnvelopeType, resolved.contentType)
	assert.Empty(t, resolved.authHeader)
}

func testRemoteTrackEnvelopeMalformedJSON(t *testing.T) {
	_, err := resolveURI(RemoteTrackScheme + `{not json`)
	assert.Error(t, err)
}

func testRemoteTrackEnvelopeMissingURI(t *testing.T) {
	raw := RemoteTrackScheme + `{"originalUri":"musikcube://library/42"}`
	_, err := resolveURI(raw)
	assert.Error(t, err)
}

func testRemoteTrackEnvelopeMissingOriginalURI(t *testing.T) {
	raw := RemoteTrackScheme + `{"uri":"https://origin.test/stream"}`
	_, err := resolveURI(raw)
	assert.Error(t, err)
}
