// Package coordinates implements the bidirectional mapping between a
// physical, newest-first listing position and a stable, oldest-first
// canonical identity. The canonical identity is what survives the target
// site growing new pages over time; the physical position is only valid at
// the moment it was observed.
package coordinates

import "github.com/mattercrawl/engine/internal/crawlerr"

// PageCapacity is the number of items a full physical page holds (C in the
// canonical-coordinate formulas).
const PageCapacity = 12

// Canonical identifies an item by its stable, oldest-first address.
type Canonical struct {
	PageID       int
	IndexInPage  int
}

// Physical identifies an item by its newest-first, page-mutation-sensitive
// address.
type Physical struct {
	Page            int
	IndexInPhysical int
}

// Site carries the two observed scale parameters every transform needs.
type Site struct {
	TotalPages        int // P
	ItemsOnLastPage   int // L
}

func (s Site) totalProducts() int {
	return (s.TotalPages-1)*PageCapacity + s.ItemsOnLastPage
}

func (s Site) validate() error {
	if s.TotalPages < 1 {
		return crawlerr.New("coordinates", crawlerr.KindInconsistentState, crawlerr.ErrInvalidBounds)
	}
	if s.ItemsOnLastPage < 1 || s.ItemsOnLastPage > PageCapacity {
		return crawlerr.New("coordinates", crawlerr.KindInconsistentState, crawlerr.ErrInvalidBounds)
	}
	return nil
}

// ToCanonical maps a physical position to its canonical coordinate.
func ToCanonical(s Site, p Physical) (Canonical, error) {
	if err := s.validate(); err != nil {
		return Canonical{}, err
	}
	if p.Page < 1 || p.Page > s.TotalPages {
		return Canonical{}, crawlerr.New("coordinates.ToCanonical", crawlerr.KindInconsistentState, crawlerr.ErrInvalidBounds)
	}
	if p.IndexInPhysical < 0 || p.IndexInPhysical >= PageCapacity {
		return Canonical{}, crawlerr.New("coordinates.ToCanonical", crawlerr.KindInconsistentState, crawlerr.ErrInvalidBounds)
	}
	if p.Page == s.TotalPages && p.IndexInPhysical >= s.ItemsOnLastPage {
		return Canonical{}, crawlerr.New("coordinates.ToCanonical", crawlerr.KindInconsistentState, crawlerr.ErrInvalidBounds)
	}

	indexFromNewest := (p.Page-1)*PageCapacity + p.IndexInPhysical
	indexFromOldest := (s.totalProducts() - 1) - indexFromNewest

	return Canonical{
		PageID:      indexFromOldest / PageCapacity,
		IndexInPage: indexFromOldest % PageCapacity,
	}, nil
}

// ToPhysical maps a canonical coordinate back to the unique physical
// position it corresponds to for the given site scale. It is the exact
// inverse of ToCanonical.
func ToPhysical(s Site, c Canonical) (Physical, error) {
	if err := s.validate(); err != nil {
		return Physical{}, err
	}
	total := s.totalProducts()
	indexFromOldest := c.PageID*PageCapacity + c.IndexInPage
	if c.IndexInPage < 0 || c.IndexInPage >= PageCapacity || indexFromOldest < 0 || indexFromOldest >= total {
		return Physical{}, crawlerr.New("coordinates.ToPhysical", crawlerr.KindInconsistentState, crawlerr.ErrInvalidBounds)
	}

	indexFromNewest := (total - 1) - indexFromOldest
	page := indexFromNewest/PageCapacity + 1
	index := indexFromNewest % PageCapacity
	return Physical{Page: page, IndexInPhysical: index}, nil
}

// RangeForPhysicalPage returns the inclusive canonical span [min, max] that
// items on physical page p can land in for the given site scale.
func RangeForPhysicalPage(s Site, page int) (min, max Canonical, err error) {
	itemsOnPage := PageCapacity
	if page == s.TotalPages {
		itemsOnPage = s.ItemsOnLastPage
	}
	first, err := ToCanonical(s, Physical{Page: page, IndexInPhysical: 0})
	if err != nil {
		return Canonical{}, Canonical{}, err
	}
	last, err := ToCanonical(s, Physical{Page: page, IndexInPhysical: itemsOnPage - 1})
	if err != nil {
		return Canonical{}, Canonical{}, err
	}
	// Newest-first physical indices map to descending canonical indices, so
	// the lowest physical index yields the highest canonical coordinate.
	if compare(first, last) > 0 {
		return last, first, nil
	}
	return first, last, nil
}

// ContributingPhysicalPages returns the set of physical pages (one or two)
// whose items can land at the given canonical page id, for the given site
// scale. A canonical page can straddle two physical pages because physical
// page boundaries and canonical page boundaries are not generally aligned.
func ContributingPhysicalPages(s Site, canonicalPageID int) ([]int, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	seen := map[int]struct{}{}
	var pages []int
	for page := 1; page <= s.TotalPages; page++ {
		min, max, err := RangeForPhysicalPage(s, page)
		if err != nil {
			return nil, err
		}
		if canonicalPageID >= min.PageID && canonicalPageID <= max.PageID {
			if _, ok := seen[page]; !ok {
				seen[page] = struct{}{}
				pages = append(pages, page)
			}
		}
	}
	return pages, nil
}

func compare(a, b Canonical) int {
	switch {
	case a.PageID != b.PageID:
		return a.PageID - b.PageID
	default:
		return a.IndexInPage - b.IndexInPage
	}
}
