// Package memticket provides an in-memory incident.TicketingProvider for
// dev mode and tests.
package memticket

import (
	"context"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"

	"github.com/linnemanlabs/remedy/internal/incident"
)

// Provider files deterministic tickets in memory. Ticket keys derive from
// the incident ID so repeated runs of the same incident produce the same key.
type Provider struct {
	mu      sync.Mutex
	byIdem  map[string]*incident.TicketRecord
	byKey   map[string]*incident.TicketRecord
	created int
}

// New creates an empty in-memory ticketing provider.
func New() *Provider {
	return &Provider{
		byIdem: make(map[string]*incident.TicketRecord),
		byKey:  make(map[string]*incident.TicketRecord),
	}
}

// CreateTicket files a ticket, returning the existing record when the
// idempotency key has been seen before.
func (p *Provider) CreateTicket(_ context.Context, req *incident.TicketRequest) (*incident.TicketRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byIdem[req.IdempotencyKey]; ok {
		cp := *existing
		return &cp, nil
	}

	key := fmt.Sprintf("SRE-%05d", crc32.ChecksumIEEE([]byte(req.IncidentID))%100000)
	rec := &incident.TicketRecord{
		Key:      key,
		URL:      "https://example.atlassian.net/browse/" + key,
		Status:   "Open",
		Priority: req.Priority,
	}
	p.byIdem[req.IdempotencyKey] = rec
	p.byKey[key] = rec
	p.created++

	cp := *rec
	return &cp, nil
}

// TransitionTicket updates the stored ticket's status.
func (p *Provider) TransitionTicket(_ context.Context, key, targetStatus string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.byKey[key]
	if !ok {
		return incident.PermanentError(incident.StageTicketing,
			fmt.Errorf("ticket %s not found", strings.ToUpper(key)))
	}
	rec.Status = targetStatus
	return nil
}

// Created reports how many distinct tickets have been filed.
func (p *Provider) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}
