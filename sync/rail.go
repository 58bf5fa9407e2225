package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/data-steve/rowcol-sync/models"
)

// Capabilities declares what a rail supports. The orchestrator consults it
// instead of special-casing rail names.
type Capabilities struct {
	Read        bool
	Push        bool
	Webhooks    bool
	Incremental bool
}

// RailRecord is one native payload plus the rail's resume token positioned
// just past it. Persisting the token of the last committed record lets a
// failed run resume mid-batch without losing or re-ordering anything.
type RailRecord struct {
	Raw    json.RawMessage
	Cursor string
}

// RailPage is one fetch of changed records, oldest first.
type RailPage struct {
	Records    []RailRecord
	NextCursor string
	HasMore    bool
}

// FetchRequest narrows a fetch to one stream position.
type FetchRequest struct {
	EntityType   string
	Cursor       string
	UpdatedSince *time.Time
	PageSize     int
}

// Rail adapts one external system. Fetch returns native payloads; Map turns
// one of them into the canonical shape. Errors from either must be one of the
// sync error types so the orchestrator can classify them.
type Rail interface {
	Name() string
	Capabilities() Capabilities
	EntityTypes() []string
	Fetch(ctx context.Context, conn *models.RailConnection, req FetchRequest) (*RailPage, error)
	Map(entityType string, raw json.RawMessage) (*models.CanonicalEntity, error)
}

// Pusher is the optional execution surface for rails that accept writes.
type Pusher interface {
	Push(ctx context.Context, conn *models.RailConnection, ent *models.CanonicalEntity) (externalId string, err error)
}

// Registry holds the configured rails. Registration happens at startup; reads
// after that are lock-free.
type Registry struct {
	rails map[string]Rail
}

func NewRegistry() *Registry {
	return &Registry{rails: map[string]Rail{}}
}

func (r *Registry) Register(rail Rail) {
	r.rails[rail.Name()] = rail
}

func (r *Registry) Get(name string) (Rail, error) {
	rail, ok := r.rails[name]
	if !ok {
		return nil, fmt.Errorf("unknown rail %q", name)
	}
	return rail, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.rails))
	for name := range r.rails {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
