// Package email implements the Email Scheduler: bucket enrollment on
// delivery, polling collection per preference family, and per-user digest
// assembly and send (spec §4.9).
package email

import (
	"context"
	"strings"

	"github.com/collabhub/activity/infrastructure/errors"
	"github.com/collabhub/activity/infrastructure/tenant"
)

// Preference is a user's email delivery preference.
type Preference string

const (
	PreferenceNever     Preference = "NEVER"
	PreferenceImmediate Preference = "IMMEDIATE"
	PreferenceDaily     Preference = "DAILY"
	PreferenceWeekly    Preference = "WEEKLY"
)

// Recipient is the profile the Email Scheduler needs to enroll and
// address one user: their preference, owning tenant, and the offset to
// shift the tenant's configured digest hour/day into their local time.
type Recipient struct {
	UserID         string
	Email          string
	TenantAlias    string
	TimezoneOffset int // minutes east of UTC
	Preference     Preference
}

// Directory resolves a recipient profile for a userId or, for invitation
// flows, a raw email address. Real user-preference and timezone modeling
// lives outside this pipeline (spec §1); this interface is the egress
// contract plus an in-memory adapter for wiring and tests, mirroring
// tenant.Service and mailer.Mailer.
type Directory interface {
	Recipient(ctx context.Context, id string) (Recipient, error)
}

// InMemory is a fixed-directory Directory for tests and single-tenant
// wiring. Raw email addresses not explicitly registered are synthesised
// via Tenants.GetTenantByEmail, with PreferenceImmediate and no timezone
// offset, per spec §4.9's "profile is synthesised from the address and
// the tenant whose configured email domain matches".
type InMemory struct {
	Tenants    tenant.Service
	recipients map[string]Recipient
}

// NewInMemory builds an empty directory backed by tenants for raw-email
// synthesis.
func NewInMemory(tenants tenant.Service) *InMemory {
	return &InMemory{Tenants: tenants, recipients: make(map[string]Recipient)}
}

// Register adds or replaces a known user's recipient profile.
func (d *InMemory) Register(r Recipient) {
	d.recipients[r.UserID] = r
}

func (d *InMemory) Recipient(ctx context.Context, id string) (Recipient, error) {
	if r, ok := d.recipients[id]; ok {
		return r, nil
	}
	if !strings.Contains(id, "@") {
		return Recipient{}, errors.NotFound("recipient", id)
	}
	t, err := d.Tenants.GetTenantByEmail(ctx, id)
	if err != nil {
		return Recipient{}, err
	}
	return Recipient{
		UserID:      id,
		Email:       id,
		TenantAlias: t.Alias,
		Preference:  PreferenceImmediate,
	}, nil
}
