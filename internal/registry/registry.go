// Package registry maps email/calendar domains to classified accounts and
// owns the only cross-run state in the system: classification decisions and
// each account's prior run state.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category classifies an account.
type Category string

const (
	CategoryDeal          Category = "deal"
	CategoryAgencyPartner Category = "agency-partner"
	CategoryTechPartner   Category = "tech-partner"
	CategoryInternal      Category = "internal"
	CategoryIgnored       Category = "ignored"
)

// ParseCategory validates a category string.
func ParseCategory(s string) (Category, error) {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryDeal:
		return CategoryDeal, nil
	case CategoryAgencyPartner:
		return CategoryAgencyPartner, nil
	case CategoryTechPartner:
		return CategoryTechPartner, nil
	case CategoryInternal:
		return CategoryInternal, nil
	case CategoryIgnored:
		return CategoryIgnored, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Reportable reports whether accounts of this category appear in the digest.
func (c Category) Reportable() bool {
	switch c {
	case CategoryDeal, CategoryAgencyPartner, CategoryTechPartner:
		return true
	}
	return false
}

// Account is a classified external organization. Accounts are never deleted,
// only recategorized to ignored.
type Account struct {
	ID       string
	Name     string
	Category Category
	Domains  []string
	// Deadline is an optional target close/renewal date, used for
	// imminent-deadline risk flagging.
	Deadline *time.Time
	Added    time.Time
}

// ErrAmbiguousDomain is returned when a domain maps to more than one account.
// This is a configuration error the user must resolve; the registry never
// guesses.
var ErrAmbiguousDomain = errors.New("domain maps to multiple accounts")

// UnknownDomainError marks a domain with no registered mapping.
type UnknownDomainError struct {
	Domain string
}

func (e *UnknownDomainError) Error() string {
	return fmt.Sprintf("unknown domain %q", e.Domain)
}

// Resolver is the human-in-the-loop classification capability. MeetingTitles
// gives the user context for the decision. ok=false means the user skipped the
// domain, which leaves it ignored for the run without registering anything.
type Resolver interface {
	ResolveUnknown(domain string, meetingTitles []string) (name string, category Category, ok bool, err error)
}

// Registry holds the in-memory classification snapshot for one run. Mutations
// accumulate in memory and persist on Flush, so a failed run leaves the store
// at its prior state.
type Registry struct {
	store    Store
	accounts map[string]*Account // by id
	byDomain map[string][]string // domain -> account ids
}

// Load builds a registry from the store's current contents.
func Load(store Store) (*Registry, error) {
	accounts, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	r := &Registry{
		store:    store,
		accounts: make(map[string]*Account),
		byDomain: make(map[string][]string),
	}
	for i := range accounts {
		a := accounts[i]
		r.accounts[a.ID] = &a
		for _, d := range a.Domains {
			r.addDomainIndex(d, a.ID)
		}
	}
	return r, nil
}

func (r *Registry) addDomainIndex(domain, accountID string) {
	domain = normalizeDomain(domain)
	for _, id := range r.byDomain[domain] {
		if id == accountID {
			return
		}
	}
	r.byDomain[domain] = append(r.byDomain[domain], accountID)
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// Classify resolves a domain to its account. Lookup is domain-exact: no
// substring or parent-domain matching, so unrelated accounts sharing a
// registrar never collide. Unknown domains return *UnknownDomainError.
func (r *Registry) Classify(domain string) (Account, error) {
	ids := r.byDomain[normalizeDomain(domain)]
	switch len(ids) {
	case 0:
		return Account{}, &UnknownDomainError{Domain: domain}
	case 1:
		return *r.accounts[ids[0]], nil
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, r.accounts[id].Name)
	}
	sort.Strings(names)
	return Account{}, fmt.Errorf("%w: %s -> %s", ErrAmbiguousDomain, domain, strings.Join(names, ", "))
}

// Register creates an account for a domain, or attaches the domain to an
// existing account with the same name. Returns the resulting account.
func (r *Registry) Register(domain, name string, category Category) (Account, error) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return Account{}, fmt.Errorf("empty domain")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Account{}, fmt.Errorf("empty account name")
	}

	// Same name: this is a second domain for an existing account, not a
	// new identity.
	for _, a := range r.accounts {
		if strings.EqualFold(a.Name, name) {
			if !containsFold(a.Domains, domain) {
				a.Domains = append(a.Domains, domain)
				sort.Strings(a.Domains)
			}
			if a.Category != category {
				a.Category = category
			}
			r.addDomainIndex(domain, a.ID)
			return *a, nil
		}
	}

	a := &Account{
		ID:       uuid.New().String(),
		Name:     name,
		Category: category,
		Domains:  []string{domain},
		Added:    time.Now().UTC(),
	}
	r.accounts[a.ID] = a
	r.addDomainIndex(domain, a.ID)
	return *a, nil
}

// Reclassify changes the category of the account a domain maps to. It is
// idempotent and only affects future runs; past timeline output is never
// rewritten.
func (r *Registry) Reclassify(domain string, category Category) error {
	a, err := r.lookupOne(domain)
	if err != nil {
		return err
	}
	a.Category = category
	return nil
}

// SetDeadline records a target close date on the account a domain maps to.
func (r *Registry) SetDeadline(domain string, deadline time.Time) error {
	a, err := r.lookupOne(domain)
	if err != nil {
		return err
	}
	d := deadline
	a.Deadline = &d
	return nil
}

func (r *Registry) lookupOne(domain string) (*Account, error) {
	ids := r.byDomain[normalizeDomain(domain)]
	switch len(ids) {
	case 0:
		return nil, &UnknownDomainError{Domain: domain}
	case 1:
		return r.accounts[ids[0]], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAmbiguousDomain, domain)
}

// Accounts returns the snapshot sorted by category then name, for stable
// output ordering.
func (r *Registry) Accounts() []Account {
	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return categoryRank(out[i].Category) < categoryRank(out[j].Category)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func categoryRank(c Category) int {
	switch c {
	case CategoryDeal:
		return 0
	case CategoryAgencyPartner:
		return 1
	case CategoryTechPartner:
		return 2
	case CategoryInternal:
		return 3
	}
	return 4
}

// Reportable returns the accounts that appear in a digest.
func (r *Registry) Reportable() []Account {
	var out []Account
	for _, a := range r.Accounts() {
		if a.Category.Reportable() {
			out = append(out, a)
		}
	}
	return out
}

// Flush persists the snapshot back to the store.
func (r *Registry) Flush() error {
	if err := r.store.Save(r.Accounts()); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}

// PriorRunStates returns the activity state recorded for each account at the
// end of the previous run, keyed by account ID.
func (r *Registry) PriorRunStates() (map[string]string, error) {
	return r.store.PriorRunStates()
}

// SaveRunStates records this run's activity states for the next run's
// silence-after-engagement detection.
func (r *Registry) SaveRunStates(states map[string]string) error {
	return r.store.SaveRunStates(states)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
