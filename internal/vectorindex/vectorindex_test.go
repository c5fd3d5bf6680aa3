package vectorindex

import (
	"context"
	"testing"
)

func TestParseHostPort(t *testing.T) {
	cases := []struct {
		in       string
		wantHost string
		wantPort int
	}{
		{"", "localhost", 6334},
		{"qdrant", "qdrant", 6334},
		{"qdrant:6334", "qdrant", 6334},
		{"127.0.0.1:16334", "127.0.0.1", 16334},
		{"http://localhost:6334", "localhost", 6334},
		{"grpc://qdrant:16334/", "qdrant", 16334},
	}
	for _, c := range cases {
		host, port, err := ParseHostPort(c.in)
		if err != nil {
			t.Fatalf("ParseHostPort(%q): %v", c.in, err)
		}
		if host != c.wantHost || port != c.wantPort {
			t.Errorf("ParseHostPort(%q) = (%q, %d), want (%q, %d)", c.in, host, port, c.wantHost, c.wantPort)
		}
	}
}

func TestParseHostPortInvalid(t *testing.T) {
	if _, _, err := ParseHostPort("qdrant:notaport"); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestMemIndexUpsertSearchDelete(t *testing.T) {
	idx := NewMemIndex()
	ctx := context.Background()

	if err := idx.Upsert(ctx, "a", []float32{1, 0, 0}, false); err != nil {
		t.Fatalf("Upsert a: %v", err)
	}
	if err := idx.Upsert(ctx, "b", []float32{0, 1, 0}, false); err != nil {
		t.Fatalf("Upsert b: %v", err)
	}

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 1, false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].MemoryID != "a" {
		t.Fatalf("expected a as top hit, got %+v", hits)
	}

	if err := idx.Delete(ctx, "a", false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	hits, err = idx.Search(ctx, []float32{1, 0, 0}, 5, false)
	if err != nil {
		t.Fatalf("Search after delete: %v", err)
	}
	for _, h := range hits {
		if h.MemoryID == "a" {
			t.Fatal("expected a to be deleted")
		}
	}
}

func TestMemIndexFrozenCollectionIsolated(t *testing.T) {
	idx := NewMemIndex()
	ctx := context.Background()

	if err := idx.Upsert(ctx, "a", []float32{1, 0}, false); err != nil {
		t.Fatalf("Upsert full: %v", err)
	}
	if err := idx.Upsert(ctx, "a", []float32{0, 1}, true); err != nil {
		t.Fatalf("Upsert frozen: %v", err)
	}

	fullHits, _ := idx.Search(ctx, []float32{1, 0}, 5, false)
	frozenHits, _ := idx.Search(ctx, []float32{1, 0}, 5, true)
	if len(fullHits) != 1 || len(frozenHits) != 1 {
		t.Fatalf("expected isolated collections, got full=%+v frozen=%+v", fullHits, frozenHits)
	}
	if frozenHits[0].Score > 0.5 {
		t.Errorf("frozen vector should be near-orthogonal to query, got score %v", frozenHits[0].Score)
	}
}
