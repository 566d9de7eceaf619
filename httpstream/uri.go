package httpstream

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"golang.org/x/xerrors"
)

// RemoteTrackScheme prefixes a structured envelope URI.
const RemoteTrackScheme = "musikcube://remote-track/"

const defaultEnvelopeType = ".mp3"

// remoteTrackEnvelope is the structured payload carried after
// RemoteTrackScheme.
type remoteTrackEnvelope struct {
	URI         string `json:"uri"`
	OriginalURI string `json:"originalUri"`
	Type        string `json:"type"`
	Password    string `json:"password"`
}

// resolvedURI is the result of resolving a consumer-supplied uri into the
// fields HttpDataStream.open needs.
type resolvedURI struct {
	transferURL string
	consumerURI string
	contentType string
	authHeader  string // "Authorization" header value, or "" if none
}

// resolveURI accepts either a plain http(s) URI or a
// musikcube://remote-track/{...} envelope. A malformed envelope returns an
// error without any side effects.
func resolveURI(raw string) (*resolvedURI, error) {
	if !strings.HasPrefix(raw, RemoteTrackScheme) {
		return &resolvedURI{
			transferURL: raw,
			consumerURI: raw,
		}, nil
	}

	payload := strings.TrimPrefix(raw, RemoteTrackScheme)

	var envelope remoteTrackEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return nil, xerrors.Errorf("failed to parse remote-track envelope: %w", err)
	}

	if envelope.URI == "" {
		return nil, xerrors.Errorf("remote-track envelope missing required field \"uri\"")
	}
	if envelope.OriginalURI == "" {
		return nil, xerrors.Errorf("remote-track envelope missing required field \"originalUri\"")
	}

	contentType := envelope.Type
	if contentType == "" {
		contentType = defaultEnvelopeType
	}

	result := &resolvedURI{
		transferURL: envelope.URI,
		consumerURI: envelope.OriginalURI,
		contentType: contentType,
	}

	if envelope.Password != "" {
		creds := base64.StdEncoding.EncodeToString([]byte("default:" + envelope.Password))
		result.authHeader = "Basic " + creds
	}

	return result, nil
}
