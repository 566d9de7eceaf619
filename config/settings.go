// Package config models the host-provided collaborators the streaming
// cache needs: a cache root directory and a handful of tunable integer
// preferences, published with their defaults so a host UI can edit them.
package config

import (
	"github.com/musikcube/streamcache/cache"
)

const (
	// DefaultMaxCacheFiles is the default cap on finalized cache entries.
	DefaultMaxCacheFiles = 35

	// DefaultPrecacheBufferSizeBytes is the default number of bytes that
	// must be persisted before open() unblocks the consumer.
	DefaultPrecacheBufferSizeBytes = 524288
	// MinPrecacheBufferSizeBytes floors DefaultPrecacheBufferSizeBytes.
	MinPrecacheBufferSizeBytes = 32768

	// DefaultChunkSizeBytes is the default number of bytes the writer
	// accumulates before flushing and publishing progress to the reader.
	DefaultChunkSizeBytes = 131072
	// MinChunkSizeBytes floors DefaultChunkSizeBytes.
	MinChunkSizeBytes = 32768
)

// Environment is the host collaborator that supplies filesystem locations.
type Environment interface {
	// CacheRootDir returns the directory the disk cache persists into.
	CacheRootDir() string
}

// Preferences is the host collaborator that supplies tunable integers,
// e.g. backed by a settings database or a config file.
type Preferences interface {
	// GetInt returns the stored value for key, or fallback if unset.
	GetInt(key string, fallback int) int
}

// Setting describes one editable integer knob, for config-schema
// publication to a host UI.
type Setting struct {
	Key     string
	Default int
	Minimum int
}

const (
	KeyMaxCacheFiles           = "max_cache_files"
	KeyPrecacheBufferSizeBytes = "precache_buffer_size_bytes"
	KeyChunkSizeBytes          = "chunk_size_bytes"
)

// Describe returns the schema of every setting this package publishes, in
// a stable order, so a host UI can render and edit them.
func Describe() []Setting {
	return []Setting{
		{Key: KeyMaxCacheFiles, Default: DefaultMaxCacheFiles, Minimum: 0},
		{Key: KeyPrecacheBufferSizeBytes, Default: DefaultPrecacheBufferSizeBytes, Minimum: MinPrecacheBufferSizeBytes},
		{Key: KeyChunkSizeBytes, Default: DefaultChunkSizeBytes, Minimum: MinChunkSizeBytes},
	}
}

// Settings is the resolved, floor-applied configuration for one
// HttpDataStream open.
type Settings struct {
	MaxCacheFiles           int
	PrecacheBufferSizeBytes int
	ChunkSizeBytes          int
}

// Load resolves Settings from prefs, applying defaults for unset keys and
// floors for values configured below the allowed minimum.
func Load(prefs Preferences) Settings {
	precache := prefs.GetInt(KeyPrecacheBufferSizeBytes, DefaultPrecacheBufferSizeBytes)
	if precache < MinPrecacheBufferSizeBytes {
		precache = MinPrecacheBufferSizeBytes
	}

	chunk := prefs.GetInt(KeyChunkSizeBytes, DefaultChunkSizeBytes)
	if chunk < MinChunkSizeBytes {
		chunk = MinChunkSizeBytes
	}

	return Settings{
		MaxCacheFiles:           prefs.GetInt(KeyMaxCacheFiles, DefaultMaxCacheFiles),
		PrecacheBufferSizeBytes: precache,
		ChunkSizeBytes:          chunk,
	}
}

// InitCacheStore resolves Settings from prefs and initializes the
// process-wide disk cache singleton rooted at env.CacheRootDir(), with its
// capacity set to the resolved MaxCacheFiles. This is the one call site
// that actually consumes an Environment; hosts that already have their own
// cache.Init call can ignore this and call Load directly instead.
func InitCacheStore(env Environment, prefs Preferences) (*cache.LruDiskCache, Settings, error) {
	settings := Load(prefs)

	store, err := cache.Init(env.CacheRootDir(), settings.MaxCacheFiles)
	if err != nil {
		return nil, Settings{}, err
	}

	return store, settings, nil
}
