// Package entityresolve canonicalizes surface mentions into entity
// identities, infers entity types from surface patterns, and merges
// duplicate entities.
package entityresolve

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemo-ai/mnemo/internal/model"
)

// Source identifies which lookup step resolved a mention.
type Source string

const (
	SourceExplicitLink Source = "explicit_link"
	SourceExactMatch   Source = "exact_match"
	SourceAliasMatch   Source = "alias_match"
	SourceNewEntity    Source = "new_entity"
	SourceUnresolved   Source = "unresolved"
)

// Result is the outcome of resolving a single mention.
type Result struct {
	Entity     *model.Entity
	Source     Source
	Confidence float64
}

// db is the subset of *storage.DB the resolver needs, kept narrow so
// callers inside a transaction can satisfy it with tx-scoped helpers too.
type db interface {
	FindEntityByCanonical(ctx context.Context, name string) (*model.Entity, error)
	FindEntityByAlias(ctx context.Context, alias string) (*model.Entity, error)
}

// Resolver resolves mentions against the entity table.
type Resolver struct {
	db db
}

// New creates a Resolver backed by db.
func New(d db) *Resolver {
	return &Resolver{db: d}
}

var titlePrefix = regexp.MustCompile(`(?i)^(mr|mrs|ms|dr|prof|sir|madam)\.?\s+`)
var placeSubstr = regexp.MustCompile(`(?i)\b(city|state|country|street|avenue|road)\b`)
var orgSubstr = regexp.MustCompile(`(?i)\b(inc|corp|llc|ltd|company)\b`)

// InferType applies surface-pattern heuristics: titled names are people,
// place-word substrings are places, company-suffix substrings are
// organizations, else unknown.
func InferType(mention string) model.EntityType {
	switch {
	case titlePrefix.MatchString(mention):
		return model.EntityPerson
	case placeSubstr.MatchString(mention):
		return model.EntityPlace
	case orgSubstr.MatchString(mention):
		return model.EntityOrganization
	default:
		return model.EntityUnknown
	}
}

func isUpperStart(s string) bool {
	if s == "" {
		return false
	}
	r := s[0]
	return r >= 'A' && r <= 'Z'
}

// Resolve runs the lookup order: explicit link (0.95), case-folded
// canonical match (1.0), case-folded alias match (0.9), new entity if the
// mention is capitalized (0.7), else unresolved (0).
//
// explicitCanonical, when non-empty, is the extractor-supplied canonical
// name for mention (entity_links in the Memory Proposal schema).
func (r *Resolver) Resolve(ctx context.Context, mention, explicitCanonical string) (Result, error) {
	if explicitCanonical != "" {
		e, err := r.db.FindEntityByCanonical(ctx, explicitCanonical)
		if err != nil {
			return Result{}, fmt.Errorf("entityresolve: explicit link lookup: %w", err)
		}
		if e != nil {
			return Result{Entity: e, Source: SourceExplicitLink, Confidence: 0.95}, nil
		}
	}

	if e, err := r.db.FindEntityByCanonical(ctx, mention); err != nil {
		return Result{}, fmt.Errorf("entityresolve: canonical lookup: %w", err)
	} else if e != nil {
		return Result{Entity: e, Source: SourceExactMatch, Confidence: 1.0}, nil
	}

	if e, err := r.db.FindEntityByAlias(ctx, mention); err != nil {
		return Result{}, fmt.Errorf("entityresolve: alias lookup: %w", err)
	} else if e != nil {
		return Result{Entity: e, Source: SourceAliasMatch, Confidence: 0.9}, nil
	}

	if isUpperStart(mention) {
		now := time.Now().UTC()
		e := &model.Entity{
			ID:            uuid.New(),
			CanonicalName: mention,
			Aliases:       []string{},
			EntityType:    InferType(mention),
			Confidence:    0.7,
			Confirmed:     false,
			MemoryIDs:     []uuid.UUID{},
			FirstSeenAt:   now,
			LastSeenAt:    now,
		}
		return Result{Entity: e, Source: SourceNewEntity, Confidence: 0.7}, nil
	}

	return Result{Entity: nil, Source: SourceUnresolved, Confidence: 0}, nil
}

// txDB adapts a pgx.Tx-scoped pair of queries to the db interface, so
// Resolve can run inside the write-pipeline transaction.
type txDB struct {
	tx pgx.Tx
}

// NewTx creates a Resolver that looks up entities within an in-flight
// transaction, for use by the write pipeline.
func NewTx(tx pgx.Tx) *Resolver {
	return &Resolver{db: &txDB{tx: tx}}
}

func (t *txDB) FindEntityByCanonical(ctx context.Context, name string) (*model.Entity, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, canonical_name, aliases, entity_type, confidence, confirmed, memory_ids, first_seen_at, last_seen_at
		FROM entities WHERE lower(canonical_name) = lower($1)`, name)
	var e model.Entity
	var entityType string
	if err := row.Scan(&e.ID, &e.CanonicalName, &e.Aliases, &entityType, &e.Confidence, &e.Confirmed,
		&e.MemoryIDs, &e.FirstSeenAt, &e.LastSeenAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	e.EntityType = model.EntityType(entityType)
	return &e, nil
}

func (t *txDB) FindEntityByAlias(ctx context.Context, alias string) (*model.Entity, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, canonical_name, aliases, entity_type, confidence, confirmed, memory_ids, first_seen_at, last_seen_at
		FROM entities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e model.Entity
		var entityType string
		if err := rows.Scan(&e.ID, &e.CanonicalName, &e.Aliases, &entityType, &e.Confidence, &e.Confirmed,
			&e.MemoryIDs, &e.FirstSeenAt, &e.LastSeenAt); err != nil {
			return nil, err
		}
		e.EntityType = model.EntityType(entityType)
		for _, a := range e.Aliases {
			if strings.EqualFold(a, alias) {
				return &e, nil
			}
		}
	}
	return nil, rows.Err()
}
