package snapshot

import (
	"github.com/reglet-dev/filament-host/blob"
	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/timeline"
)

type document struct {
	KV          map[string][]byte `json:"kv"`
	ContextID   string            `json:"context_id"`
	Plugin      string            `json:"plugin"`
	PluginState []byte            `json:"plugin_state,omitempty"`
	Events      []eventDoc        `json:"events"`
	Blobs       []blobDoc         `json:"blobs"`
	Epoch       uint64            `json:"epoch,string"`
	CreatedAt   int64             `json:"created_at,string"`
	Base        uint64            `json:"base,string"`
	LastID      uint64            `json:"last_id,string"`
	LastTick    uint64            `json:"last_tick,string"`
	PruneEpoch  uint64            `json:"prune_epoch,string"`
	NextBlob    uint64            `json:"next_blob,string"`
}

type blobDoc struct {
	Data []byte `json:"data"`
	ID   uint64 `json:"id,string"`
}

type eventDoc struct {
	TypeURI         string         `json:"type_uri"`
	Payload         []byte         `json:"payload,omitempty"`
	Extensions      entities.Chain `json:"extensions,omitempty"`
	ID              uint64         `json:"id,string"`
	RefID           uint64         `json:"ref_id,string"`
	Timestamp       uint64         `json:"timestamp,string"`
	Tick            uint64         `json:"tick,string"`
	PayloadSize     uint64         `json:"payload_size,string"`
	AuthAgentID     uint64         `json:"auth_agent_id,string"`
	AuthPrincipalID uint64         `json:"auth_principal_id,string"`
	ResourceCost    uint64         `json:"resource_cost,string"`
	Flags           uint64         `json:"event_flags,string"`
	TraceHi         uint64         `json:"trace_hi,string"`
	TraceLo         uint64         `json:"trace_lo,string"`
	SpanID          uint64         `json:"span_id,string"`
	TypeID          uint32         `json:"type_id"`
	HeaderFlags     uint32         `json:"flags"`
	OpCode          uint32         `json:"op_code"`
	PayloadFormat   uint32         `json:"payload_fmt"`
	TraceVersion    uint8          `json:"trace_version"`
	TraceFlags      uint8          `json:"trace_flags"`
}

func toDocument(s Snapshot) document {
	doc := document{
		KV:          s.KV,
		ContextID:   s.ContextID,
		Plugin:      s.Plugin,
		PluginState: s.PluginState,
		Events:      make([]eventDoc, len(s.Timeline.Events)),
		Blobs:       make([]blobDoc, len(s.Blobs.Blobs)),
		Epoch:       s.Epoch,
		CreatedAt:   s.CreatedAt,
		Base:        s.Timeline.Base,
		LastID:      s.Timeline.LastID,
		LastTick:    s.Timeline.LastTick,
		PruneEpoch:  s.Timeline.PruneEpoch,
		NextBlob:    s.Blobs.Next,
	}
	if doc.KV == nil {
		doc.KV = map[string][]byte{}
	}
	for i, e := range s.Timeline.Events {
		doc.Events[i] = eventDoc{
			TypeURI:         e.TypeURI,
			Payload:         e.Payload,
			Extensions:      e.Extensions,
			ID:              e.ID,
			RefID:           e.RefID,
			Timestamp:       e.Timestamp,
			Tick:            e.Tick,
			PayloadSize:     e.PayloadSize,
			AuthAgentID:     e.AuthAgentID,
			AuthPrincipalID: e.AuthPrincipalID,
			ResourceCost:    e.ResourceCost,
			Flags:           uint64(e.Flags),
			TraceHi:         e.Trace.TraceHi,
			TraceLo:         e.Trace.TraceLo,
			SpanID:          e.Trace.SpanID,
			TypeID:          e.TypeID,
			HeaderFlags:     e.HeaderFlags,
			OpCode:          uint32(e.OpCode),
			PayloadFormat:   uint32(e.PayloadFormat),
			TraceVersion:    e.Trace.Version,
			TraceFlags:      e.Trace.Flags,
		}
	}
	for i, b := range s.Blobs.Blobs {
		doc.Blobs[i] = blobDoc{ID: b.ID, Data: b.Data}
	}
	return doc
}

func (doc document) snapshot() Snapshot {
	s := Snapshot{
		KV:          doc.KV,
		ContextID:   doc.ContextID,
		Plugin:      doc.Plugin,
		PluginState: doc.PluginState,
		Epoch:       doc.Epoch,
		CreatedAt:   doc.CreatedAt,
		Timeline: timeline.State{
			Events:     make([]entities.Event, len(doc.Events)),
			Base:       doc.Base,
			LastID:     doc.LastID,
			LastTick:   doc.LastTick,
			PruneEpoch: doc.PruneEpoch,
		},
		Blobs: blob.State{Next: doc.NextBlob, Blobs: make([]blob.Entry, len(doc.Blobs))},
	}
	for i, e := range doc.Events {
		s.Timeline.Events[i] = entities.Event{
			TypeURI:         e.TypeURI,
			Payload:         e.Payload,
			Extensions:      e.Extensions,
			ID:              e.ID,
			RefID:           e.RefID,
			Timestamp:       e.Timestamp,
			Tick:            e.Tick,
			PayloadSize:     e.PayloadSize,
			AuthAgentID:     e.AuthAgentID,
			AuthPrincipalID: e.AuthPrincipalID,
			ResourceCost:    e.ResourceCost,
			Flags:           entities.EventFlags(e.Flags),
			Trace: entities.TraceContext{
				Version: e.TraceVersion,
				Flags:   e.TraceFlags,
				TraceHi: e.TraceHi,
				TraceLo: e.TraceLo,
				SpanID:  e.SpanID,
			},
			TypeID:        e.TypeID,
			HeaderFlags:   e.HeaderFlags,
			OpCode:        entities.OpCode(e.OpCode),
			PayloadFormat: entities.DataFormat(e.PayloadFormat),
		}
	}
	for i, b := range doc.Blobs {
		s.Blobs.Blobs[i] = blob.Entry{ID: b.ID, Data: b.Data}
	}
	return s
}
