//go:build integration

package knowledge

import (
	"context"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"
)

func TestResolverRelatedKnowledge(t *testing.T) {
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	if err != nil {
		t.Fatalf("start neo4j: %v", err)
	}
	t.Cleanup(func() { testcontainers.TerminateContainer(container) })
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatalf("bolt url: %v", err)
	}

	r, err := NewResolver(uri, "", "", 3, zap.NewNop())
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	defer r.Close(ctx)
	if err := r.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	seed := []*Item{
		{ProjectID: "p1", Title: "Pricing model", Content: "tiered pricing with annual discount", Tags: []string{"pricing"}},
		{ProjectID: "p1", Title: "Hiring plan", Content: "two engineers in Q4"},
		{ProjectID: "p2", Title: "Pricing for another project", Content: "unrelated pricing"},
	}
	for _, it := range seed {
		if err := r.Add(ctx, it); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	refs, err := r.RelatedKnowledge(ctx, "p1", "review our pricing strategy")
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(refs) != 1 || !strings.Contains(refs[0], "Pricing model") {
		t.Errorf("refs = %v", refs)
	}

	items, err := r.Items(ctx, "p1")
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}
}
