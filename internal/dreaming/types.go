// Package dreaming implements the offline consolidation pipeline: an
// LLM semantically chunks raw conversation text (A→B), clusters the
// chunks (B→C), and the archiver writes versioned snapshots with an
// authoritative manifest (C→D).
package dreaming

import "time"

// Cluster kinds produced by the synthesizer.
const (
	ClusterTopic        = "topic"
	ClusterRelationship = "relationship"
	ClusterSummary      = "summary"
	ClusterTimeline     = "timeline"
)

// Version lifecycle states recorded in the manifest.
const (
	StatusActive     = "active"
	StatusSuperseded = "superseded"

	StorageHot  = "hot"
	StorageCold = "cold"
)

// BChunk is one semantically coherent piece of a conversation,
// produced by the A→B chunking stage.
type BChunk struct {
	ID               string    `json:"id"`
	ParentID         string    `json:"parent_id"`
	Kind             string    `json:"kind"`
	Content          string    `json:"content"`
	Labels           []string  `json:"labels,omitempty"`
	Speaker          string    `json:"speaker,omitempty"`
	Entities         []string  `json:"entities,omitempty"`
	Confidence       float64   `json:"confidence"`
	TokenRange       [2]int    `json:"token_range"`
	PositionInParent float64   `json:"position_in_parent"`
	CreatedAt        time.Time `json:"created_at"`
}

// CCluster groups related chunks under a theme, produced by the B→C
// synthesis stage.
type CCluster struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Content         string    `json:"content"`
	RelatedChunks   []string  `json:"related_chunks,omitempty"`
	RelatedClusters []string  `json:"related_clusters,omitempty"`
	Theme           string    `json:"theme"`
	Confidence      float64   `json:"confidence"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ArchiveMetadata travels inside each archive version. OriginalText is
// kept so a later quality upgrade can re-run the pipeline from source.
type ArchiveMetadata struct {
	PreviousVersion   int    `json:"previous_version"`
	SupersedesVersion int    `json:"supersedes_version"`
	IsLatest          bool   `json:"is_latest"`
	Status            string `json:"status"`
	StorageLocation   string `json:"storage_location"`
	Quality           string `json:"quality,omitempty"`
	OriginalText      string `json:"original_text,omitempty"`
}

// ArchiveVersion is one immutable consolidation snapshot. The metadata
// reflects the state at creation time; the manifest is authoritative
// for the current lifecycle.
type ArchiveVersion struct {
	ConversationID string          `json:"conversation_id"`
	Version        int             `json:"version"`
	BChunks        []BChunk        `json:"b_chunks"`
	CClusters      []CCluster      `json:"c_clusters"`
	Entities       []string        `json:"entities,omitempty"`
	Metadata       ArchiveMetadata `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}

// VersionRecord is the manifest's lifecycle entry for one version.
type VersionRecord struct {
	IsLatest            bool       `json:"is_latest"`
	Status              string     `json:"status"`
	StorageLocation     string     `json:"storage_location"`
	PreviousVersion     int        `json:"previous_version"`
	SupersedesVersion   int        `json:"supersedes_version"`
	SupersededByVersion int        `json:"superseded_by_version,omitempty"`
	SupersededAt        *time.Time `json:"superseded_at,omitempty"`
}

// Manifest is the per-conversation lifecycle record. It is the source
// of truth for which version is latest and what superseded what.
type Manifest struct {
	ConversationID string                `json:"conversation_id"`
	LatestVersion  int                   `json:"latest_version"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Versions       map[int]VersionRecord `json:"versions"`
}
