package entityresolve

import (
	"context"
	"testing"

	"github.com/mnemo-ai/mnemo/internal/model"
)

type fakeDB struct {
	canonical map[string]*model.Entity
	alias     map[string]*model.Entity
}

func (f *fakeDB) FindEntityByCanonical(_ context.Context, name string) (*model.Entity, error) {
	return f.canonical[name], nil
}

func (f *fakeDB) FindEntityByAlias(_ context.Context, alias string) (*model.Entity, error) {
	return f.alias[alias], nil
}

func TestInferType(t *testing.T) {
	cases := map[string]model.EntityType{
		"Dr. Smith":   model.EntityPerson,
		"Mr. Jones":   model.EntityPerson,
		"Main Street": model.EntityPlace,
		"Acme Inc":    model.EntityOrganization,
		"Gotham City": model.EntityPlace,
		"Costa":       model.EntityUnknown,
	}
	for mention, want := range cases {
		if got := InferType(mention); got != want {
			t.Errorf("InferType(%q) = %s, want %s", mention, got, want)
		}
	}
}

func TestResolve_CanonicalMatch(t *testing.T) {
	existing := &model.Entity{CanonicalName: "Costa"}
	r := New(&fakeDB{canonical: map[string]*model.Entity{"Costa": existing}})
	res, err := r.Resolve(context.Background(), "Costa", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceExactMatch || res.Confidence != 1.0 {
		t.Fatalf("expected exact_match/1.0, got %s/%v", res.Source, res.Confidence)
	}
}

func TestResolve_AliasMatch(t *testing.T) {
	existing := &model.Entity{CanonicalName: "Costa Papadakis"}
	r := New(&fakeDB{canonical: map[string]*model.Entity{}, alias: map[string]*model.Entity{"Costa": existing}})
	res, err := r.Resolve(context.Background(), "Costa", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceAliasMatch || res.Confidence != 0.9 {
		t.Fatalf("expected alias_match/0.9, got %s/%v", res.Source, res.Confidence)
	}
}

func TestResolve_NewEntityWhenCapitalized(t *testing.T) {
	r := New(&fakeDB{canonical: map[string]*model.Entity{}, alias: map[string]*model.Entity{}})
	res, err := r.Resolve(context.Background(), "Greece", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceNewEntity || res.Confidence != 0.7 {
		t.Fatalf("expected new_entity/0.7, got %s/%v", res.Source, res.Confidence)
	}
	if res.Entity == nil || res.Entity.CanonicalName != "Greece" {
		t.Fatalf("expected new entity named Greece, got %+v", res.Entity)
	}
}

func TestResolve_UnresolvedWhenLowercase(t *testing.T) {
	r := New(&fakeDB{canonical: map[string]*model.Entity{}, alias: map[string]*model.Entity{}})
	res, err := r.Resolve(context.Background(), "rock music", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceUnresolved || res.Confidence != 0 {
		t.Fatalf("expected unresolved/0, got %s/%v", res.Source, res.Confidence)
	}
	if res.Entity != nil {
		t.Fatalf("expected nil entity, got %+v", res.Entity)
	}
}

func TestResolve_ExplicitLinkTakesPriority(t *testing.T) {
	existing := &model.Entity{CanonicalName: "Costa Papadakis"}
	r := New(&fakeDB{canonical: map[string]*model.Entity{"Costa Papadakis": existing}})
	res, err := r.Resolve(context.Background(), "Costa", "Costa Papadakis")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceExplicitLink || res.Confidence != 0.95 {
		t.Fatalf("expected explicit_link/0.95, got %s/%v", res.Source, res.Confidence)
	}
}
