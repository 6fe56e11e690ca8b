package coordinates

import "testing"

func TestToCanonical_BoundaryScenario(t *testing.T) {
	s := Site{TotalPages: 464, ItemsOnLastPage: 8}
	got, err := ToCanonical(s, Physical{Page: 1, IndexInPhysical: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PageID != 463 || got.IndexInPage != 7 {
		t.Fatalf("got %+v, want PageID=463 IndexInPage=7", got)
	}
}

func TestRoundTrip(t *testing.T) {
	s := Site{TotalPages: 10, ItemsOnLastPage: 8}
	for page := 1; page <= s.TotalPages; page++ {
		limit := PageCapacity
		if page == s.TotalPages {
			limit = s.ItemsOnLastPage
		}
		for idx := 0; idx < limit; idx++ {
			p := Physical{Page: page, IndexInPhysical: idx}
			c, err := ToCanonical(s, p)
			if err != nil {
				t.Fatalf("ToCanonical(%+v): %v", p, err)
			}
			back, err := ToPhysical(s, c)
			if err != nil {
				t.Fatalf("ToPhysical(%+v): %v", c, err)
			}
			if back != p {
				t.Fatalf("round trip mismatch: %+v -> %+v -> %+v", p, c, back)
			}
		}
	}
}

func TestToCanonical_InvalidBounds(t *testing.T) {
	s := Site{TotalPages: 3, ItemsOnLastPage: 5}
	if _, err := ToCanonical(s, Physical{Page: 0, IndexInPhysical: 0}); err == nil {
		t.Fatal("expected error for page 0")
	}
	if _, err := ToCanonical(s, Physical{Page: 3, IndexInPhysical: 5}); err == nil {
		t.Fatal("expected error for out-of-range index on last page")
	}
}

func TestContributingPhysicalPages(t *testing.T) {
	s := Site{TotalPages: 10, ItemsOnLastPage: 8}
	pages, err := ContributingPhysicalPages(s, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pages) == 0 {
		t.Fatal("expected at least one contributing page for canonical page 0")
	}
}
