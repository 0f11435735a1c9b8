package feed

import (
	"bytes"
	"mime"
	"strings"
)

// Adapter turns raw feed bytes into canonical records. Implementations hold no
// mutable state and are safe for concurrent use.
type Adapter interface {
	Format() string
	Parse(payload []byte) ([]Record, error)
}

// Registry selects an adapter from the declared content type and optional
// feed version. It is populated at construction and read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register("application/json", "", JSONAdapter{})
	r.Register("text/json", "", JSONAdapter{})
	r.Register("text/csv", "", CSVAdapter{})
	r.Register("application/csv", "", CSVAdapter{})
	return r
}

// Register binds an adapter to a media type, optionally only for one feed
// version. Call it before the registry is shared.
func (r *Registry) Register(mediaType, version string, adapter Adapter) {
	r.adapters[registryKey(strings.ToLower(mediaType), version)] = adapter
}

func registryKey(mediaType, version string) string {
	if version == "" {
		return mediaType
	}
	return mediaType + "@" + version
}

// Resolve returns the adapter for contentType. An empty content type is
// sniffed from the payload's first significant byte.
func (r *Registry) Resolve(contentType, version string, payload []byte) (Adapter, error) {
	mediaType := ""
	if strings.TrimSpace(contentType) != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, &ParseError{Format: "unknown", Reason: "invalid content type " + contentType, Err: ErrUnsupportedContentType}
		}
		mediaType = strings.ToLower(parsed)
	} else {
		mediaType = sniffMediaType(payload)
	}

	version = strings.TrimSpace(version)
	if version != "" {
		if adapter, ok := r.adapters[registryKey(mediaType, version)]; ok {
			return adapter, nil
		}
	}
	if adapter, ok := r.adapters[mediaType]; ok {
		return adapter, nil
	}
	if strings.HasSuffix(mediaType, "+json") {
		return r.adapters["application/json"], nil
	}
	if strings.HasSuffix(mediaType, "+csv") {
		return r.adapters["text/csv"], nil
	}
	return nil, &ParseError{Format: mediaType, Reason: "no adapter for content type", Err: ErrUnsupportedContentType}
}

func (r *Registry) Parse(contentType, version string, payload []byte) ([]Record, error) {
	adapter, err := r.Resolve(contentType, version, payload)
	if err != nil {
		return nil, err
	}
	return adapter.Parse(payload)
}

func sniffMediaType(payload []byte) string {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(payload, utf8BOM))
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		return "application/json"
	}
	return "text/csv"
}
