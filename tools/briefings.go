package tools

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown briefings.
var ErrNotFound = errors.New("briefing not found")

// ErrForbidden is returned when a principal touches a briefing it does not own.
var ErrForbidden = errors.New("briefing belongs to another user")

// Briefing is a topic a user tracks.
type Briefing struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Topic       string    `json:"topic"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BriefingUpdate carries optional field changes; nil leaves a field as is.
type BriefingUpdate struct {
	Topic       *string
	Description *string
	Active      *bool
}

// Source is a curated content source.
type Source struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Topics []string `json:"topics"`
}

// BriefingService is the business layer behind the tools.
type BriefingService interface {
	ListBriefings(ctx context.Context, ownerID string) ([]Briefing, error)
	CreateBriefing(ctx context.Context, ownerID, topic, description string) (Briefing, error)
	UpdateBriefing(ctx context.Context, ownerID, id string, update BriefingUpdate) (Briefing, error)
	RecommendSources(ctx context.Context, topic string) ([]Source, error)
}

// MemoryBriefings is an in-process BriefingService for development and tests.
type MemoryBriefings struct {
	mu        sync.Mutex
	briefings map[string]Briefing
	catalog   []Source
}

// NewMemoryBriefings constructs a service with a fixed source catalog.
func NewMemoryBriefings(catalog []Source) *MemoryBriefings {
	return &MemoryBriefings{briefings: make(map[string]Briefing), catalog: catalog}
}

// ListBriefings returns the owner's briefings, oldest first.
func (m *MemoryBriefings) ListBriefings(_ context.Context, ownerID string) ([]Briefing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Briefing{}
	for _, b := range m.briefings {
		if b.OwnerID == ownerID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateBriefing stores a new active briefing.
func (m *MemoryBriefings) CreateBriefing(_ context.Context, ownerID, topic, description string) (Briefing, error) {
	now := time.Now().UTC()
	b := Briefing{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Topic:       topic,
		Description: description,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.briefings[b.ID] = b
	return b, nil
}

// UpdateBriefing applies update to a briefing the owner holds.
func (m *MemoryBriefings) UpdateBriefing(_ context.Context, ownerID, id string, update BriefingUpdate) (Briefing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.briefings[id]
	if !ok {
		return Briefing{}, ErrNotFound
	}
	if b.OwnerID != ownerID {
		return Briefing{}, ErrForbidden
	}
	if update.Topic != nil {
		b.Topic = *update.Topic
	}
	if update.Description != nil {
		b.Description = *update.Description
	}
	if update.Active != nil {
		b.Active = *update.Active
	}
	b.UpdatedAt = time.Now().UTC()
	m.briefings[id] = b
	return b, nil
}

// RecommendSources returns catalog entries tagged with topic.
func (m *MemoryBriefings) RecommendSources(_ context.Context, topic string) ([]Source, error) {
	topic = strings.ToLower(strings.TrimSpace(topic))
	out := []Source{}
	for _, s := range m.catalog {
		for _, t := range s.Topics {
			if strings.EqualFold(t, topic) {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

// DefaultCatalog is the development source catalog.
var DefaultCatalog = []Source{
	{Name: "Hacker News", URL: "https://news.ycombinator.com", Topics: []string{"technology", "startups"}},
	{Name: "arXiv cs.AI", URL: "https://arxiv.org/list/cs.AI/recent", Topics: []string{"ai", "research"}},
	{Name: "Go Blog", URL: "https://go.dev/blog", Topics: []string{"go", "technology"}},
	{Name: "Ars Technica", URL: "https://arstechnica.com", Topics: []string{"technology", "science"}},
}
