package content

import "context"

// VideoMetadata is the resolved description of a piece of content.
type VideoMetadata struct {
	VideoID      string `json:"videoId"`
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	EmbedURL     string `json:"embedUrl"`
}

// MetadataProvider resolves a video identifier to its metadata. The sync
// core treats this as an opaque collaborator; lookups that fail do not block
// playback.
type MetadataProvider interface {
	Lookup(ctx context.Context, videoID string) (*VideoMetadata, error)
}

// StaticProvider serves metadata from a fixed table. Used in tests and for
// self-hosted content catalogs.
type StaticProvider struct {
	entries map[string]VideoMetadata
}

// NewStaticProvider builds a provider over a fixed metadata table.
func NewStaticProvider(entries map[string]VideoMetadata) *StaticProvider {
	return &StaticProvider{entries: entries}
}

func (p *StaticProvider) Lookup(_ context.Context, videoID string) (*VideoMetadata, error) {
	meta, ok := p.entries[videoID]
	if !ok {
		return nil, ErrNotFound
	}
	return &meta, nil
}
