package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/gstrecon_backend/models"
)

type stubSource struct {
	tuples []models.InvoiceTuple
	err    error
}

func (s stubSource) InvoiceTuples(context.Context) ([]models.InvoiceTuple, error) {
	return s.tuples, s.err
}

func TestBuildSnapshot_Shape(t *testing.T) {
	src := stubSource{tuples: []models.InvoiceTuple{
		tuple("inv-1", "S1", "B1", models.InvoiceStatusMatched, "", "0"),
		tuple("inv-2", "S1", "B2", models.InvoiceStatusMatched, "", "0"),
	}}
	g, err := BuildSnapshot(context.Background(), src)
	if err != nil {
		t.Fatalf("BuildSnapshot error: %v", err)
	}
	// S1, B1, B2 taxpayers plus two invoices
	if g.Len() != 5 {
		t.Fatalf("expected 5 nodes, got %d", g.Len())
	}
	if g.EdgeCount() != 4 {
		t.Fatalf("expected 4 edges, got %d", g.EdgeCount())
	}
	inv := NodeKey{Kind: NodeInvoice, ID: "inv-2"}
	if s, ok := g.Predecessor(inv, models.RelationshipIssued); !ok || s.ID != "S1" {
		t.Fatalf("expected supplier S1, got %v %v", s, ok)
	}
	if b, ok := g.Successor(inv, models.RelationshipBilledTo); !ok || b.ID != "B2" {
		t.Fatalf("expected buyer B2, got %v %v", b, ok)
	}
}

func TestBuildSnapshot_StoreErrorAborts(t *testing.T) {
	g, err := BuildSnapshot(context.Background(), stubSource{err: models.ErrStoreUnavailable})
	if !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if g != nil {
		t.Fatalf("expected no graph on error")
	}
}

func TestGraph_KindSeparatesIdentity(t *testing.T) {
	g := GraphFromTuples([]models.InvoiceTuple{
		tuple("S1", "S1", "B1", models.InvoiceStatusMatched, "", "0"),
	})
	if g.Len() != 3 {
		t.Fatalf("expected invoice and taxpayer with the same id to be distinct nodes, got %d nodes", g.Len())
	}
}

func TestGraph_DuplicateEdgeCollapses(t *testing.T) {
	g := GraphFromTuples([]models.InvoiceTuple{
		tuple("inv-1", "S1", "B1", models.InvoiceStatusMatched, "", "0"),
		tuple("inv-1", "S1", "B1", models.InvoiceStatusMismatch, "", "0"),
	})
	if g.EdgeCount() != 2 {
		t.Fatalf("expected 2 edges, got %d", g.EdgeCount())
	}
	n, _ := g.Node(NodeKey{Kind: NodeInvoice, ID: "inv-1"})
	if n.Status != models.InvoiceStatusMismatch {
		t.Fatalf("expected latest attributes to win, got %s", n.Status)
	}
}
