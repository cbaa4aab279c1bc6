// Package reconcile builds the in-memory taxpayer/invoice graph and runs the
// discrepancy rules over it.
package reconcile

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/shopspring/decimal"
)

type NodeKind string

const (
	NodeTaxpayer NodeKind = "Taxpayer"
	NodeInvoice  NodeKind = "Invoice"
)

// NodeKey identifies a node. Kind is part of the key so an invoice number that
// equals a GSTIN still yields two nodes.
type NodeKey struct {
	Kind NodeKind
	ID   string
}

func (k NodeKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

// Node carries the attributes of one graph node. Invoice attributes are zero for taxpayers.
type Node struct {
	Key     NodeKey
	Amount  decimal.Decimal
	Status  models.InvoiceStatus
	HsnCode string
	TaxRate decimal.Decimal
	Period  string
}

type edge struct {
	to   int
	kind models.RelationshipKind
}

// Graph is a directed graph with at most one edge per ordered node pair.
// Nodes keep first-insertion order. A Graph is built once per run and never mutated
// after BuildSnapshot returns.
type Graph struct {
	nodes []Node
	index map[NodeKey]int
	succ  [][]edge
	pred  [][]edge
}

func NewGraph() *Graph {
	return &Graph{index: map[NodeKey]int{}}
}

// AddNode inserts the node if absent; for an existing node the attributes are replaced
// and its position is kept.
func (g *Graph) AddNode(n Node) int {
	if i, ok := g.index[n.Key]; ok {
		g.nodes[i] = n
		return i
	}
	i := len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.succ = append(g.succ, nil)
	g.pred = append(g.pred, nil)
	g.index[n.Key] = i
	return i
}

func (g *Graph) ensureNode(key NodeKey) int {
	if i, ok := g.index[key]; ok {
		return i
	}
	return g.AddNode(Node{Key: key})
}

// AddEdge adds from -> to. A second edge between the same pair overwrites the kind,
// matching a simple directed graph.
func (g *Graph) AddEdge(from, to NodeKey, kind models.RelationshipKind) {
	fi := g.ensureNode(from)
	ti := g.ensureNode(to)
	for k, e := range g.succ[fi] {
		if e.to == ti {
			g.succ[fi][k].kind = kind
			for p, pe := range g.pred[ti] {
				if pe.to == fi {
					g.pred[ti][p].kind = kind
				}
			}
			return
		}
	}
	g.succ[fi] = append(g.succ[fi], edge{to: ti, kind: kind})
	g.pred[ti] = append(g.pred[ti], edge{to: fi, kind: kind})
}

func (g *Graph) Len() int { return len(g.nodes) }

func (g *Graph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

func (g *Graph) Node(key NodeKey) (Node, bool) {
	i, ok := g.index[key]
	if !ok {
		return Node{}, false
	}
	return g.nodes[i], true
}

func (g *Graph) EdgeCount() int {
	n := 0
	for _, s := range g.succ {
		n += len(s)
	}
	return n
}

// Predecessor returns the first node with an edge of the given kind into key.
func (g *Graph) Predecessor(key NodeKey, kind models.RelationshipKind) (NodeKey, bool) {
	i, ok := g.index[key]
	if !ok {
		return NodeKey{}, false
	}
	for _, e := range g.pred[i] {
		if e.kind == kind {
			return g.nodes[e.to].Key, true
		}
	}
	return NodeKey{}, false
}

// Successor returns the first node reached from key by an edge of the given kind.
func (g *Graph) Successor(key NodeKey, kind models.RelationshipKind) (NodeKey, bool) {
	i, ok := g.index[key]
	if !ok {
		return NodeKey{}, false
	}
	for _, e := range g.succ[i] {
		if e.kind == kind {
			return g.nodes[e.to].Key, true
		}
	}
	return NodeKey{}, false
}

// SnapshotSource is the store read capability the builder needs.
type SnapshotSource interface {
	InvoiceTuples(ctx context.Context) ([]models.InvoiceTuple, error)
}

// BuildSnapshot reads every supplier/invoice/buyer path from src and returns a new graph.
// A read error aborts the build; no partial graph is returned.
func BuildSnapshot(ctx context.Context, src SnapshotSource) (*Graph, error) {
	tuples, err := src.InvoiceTuples(ctx)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	return GraphFromTuples(tuples), nil
}

func GraphFromTuples(tuples []models.InvoiceTuple) *Graph {
	g := NewGraph()
	for _, t := range tuples {
		supplier := NodeKey{Kind: NodeTaxpayer, ID: t.Supplier}
		buyer := NodeKey{Kind: NodeTaxpayer, ID: t.Buyer}
		invoice := NodeKey{Kind: NodeInvoice, ID: t.InvNo}

		g.ensureNode(supplier)
		g.ensureNode(buyer)
		g.AddNode(Node{
			Key:     invoice,
			Amount:  t.Amount,
			Status:  t.Status,
			HsnCode: t.HsnCode,
			TaxRate: t.TaxRate,
			Period:  t.Period,
		})
		g.AddEdge(supplier, invoice, models.RelationshipIssued)
		g.AddEdge(invoice, buyer, models.RelationshipBilledTo)
	}
	return g
}
