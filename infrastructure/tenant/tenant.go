// Package tenant implements the activity pipeline's Tenant service egress
// interface (spec §6): getTenant, getBaseUrl, canInteract(aliasA, aliasB),
// getTenantByEmail. The real directory of tenants lives outside this
// pipeline (spec §1); this package defines the contract plus an in-memory
// adapter for wiring and tests.
package tenant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Tenant is the subset of tenant metadata the activity pipeline consumes:
// routing propagation rules (TENANT/INTERACTING_TENANTS), base URLs for
// links in emails, the tenant's signing key for push authentication, and
// the tenant-configured digest delivery time (spec §4.9) that the Email
// Scheduler shifts by each recipient's timezone offset.
type Tenant struct {
	Alias            string
	DisplayName      string
	BaseURL          string
	SigningKeySecret string
	EmailDomain      string
	DigestHour       int          // 0-23, tenant's local delivery hour for DAILY/WEEKLY digests
	DigestDayOfWeek  time.Weekday // tenant's local delivery day for WEEKLY digests
}

// Service is the Tenant service egress interface.
type Service interface {
	GetTenant(ctx context.Context, alias string) (*Tenant, error)
	GetBaseURL(ctx context.Context, alias string) (string, error)
	CanInteract(ctx context.Context, aliasA, aliasB string) (bool, error)
	GetTenantByEmail(ctx context.Context, email string) (*Tenant, error)
}

// InMemory is a fixed-directory Service for tests and single-tenant wiring.
// Interaction is symmetric: aliasA may interact with aliasB whenever either
// direction was registered with AllowInteraction.
type InMemory struct {
	mu           sync.RWMutex
	tenants      map[string]*Tenant
	interactions map[string]map[string]bool
}

// NewInMemory builds an empty directory.
func NewInMemory() *InMemory {
	return &InMemory{
		tenants:      make(map[string]*Tenant),
		interactions: make(map[string]map[string]bool),
	}
}

// Register adds or replaces a tenant.
func (m *InMemory) Register(t *Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.Alias] = t
}

// AllowInteraction marks aliasA and aliasB as able to interact, in both
// directions.
func (m *InMemory) AllowInteraction(aliasA, aliasB string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.interactions[aliasA] == nil {
		m.interactions[aliasA] = make(map[string]bool)
	}
	if m.interactions[aliasB] == nil {
		m.interactions[aliasB] = make(map[string]bool)
	}
	m.interactions[aliasA][aliasB] = true
	m.interactions[aliasB][aliasA] = true
}

func (m *InMemory) GetTenant(_ context.Context, alias string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[alias]
	if !ok {
		return nil, fmt.Errorf("tenant: unknown tenant alias %q", alias)
	}
	return t, nil
}

func (m *InMemory) GetBaseURL(ctx context.Context, alias string) (string, error) {
	t, err := m.GetTenant(ctx, alias)
	if err != nil {
		return "", err
	}
	return t.BaseURL, nil
}

// CanInteract reports whether the two tenants may exchange activity, per
// the router's INTERACTING_TENANTS propagation rule. The same tenant always
// can interact with itself.
func (m *InMemory) CanInteract(_ context.Context, aliasA, aliasB string) (bool, error) {
	if aliasA == aliasB {
		return true, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interactions[aliasA][aliasB], nil
}

func (m *InMemory) GetTenantByEmail(_ context.Context, email string) (*Tenant, error) {
	domain := domainOf(email)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tenants {
		if strings.EqualFold(t.EmailDomain, domain) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tenant: no tenant registered for email domain %q", domain)
}

func domainOf(email string) string {
	idx := strings.LastIndex(email, "@")
	if idx < 0 {
		return ""
	}
	return email[idx+1:]
}
