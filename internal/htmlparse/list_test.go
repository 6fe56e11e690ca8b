package htmlparse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const listingPage = `<html><body>
<div class="products">
  <a href="/csa_product/widget-hub/">Widget Hub</a>
  <a href="https://example.org/csa_product/smart-bulb/">Smart Bulb</a>
  <a href="/csa_product/widget-hub/">Widget Hub (image link)</a>
  <a href="/about/">About</a>
</div>
<nav class="pagination">
  <a href="/csa-iot_products/page/2/?filter=matter">2</a>
  <a href="/csa-iot_products/page/464/?filter=matter">464</a>
  <a href="/csa-iot_products/page/3/?filter=matter">Next</a>
</nav>
</body></html>`

func TestExtractProductLinks_AbsoluteDedupedDocumentOrder(t *testing.T) {
	links, err := ExtractProductLinks(listingPage, "https://example.org/csa-iot_products")
	require.NoError(t, err)
	require.Len(t, links, 2)
	require.Equal(t, "https://example.org/csa_product/widget-hub/", links[0].URL)
	require.Equal(t, 0, links[0].IndexInPhysical)
	require.Equal(t, "https://example.org/csa_product/smart-bulb/", links[1].URL)
	require.Equal(t, 1, links[1].IndexInPhysical)
}

func TestDiscoverTotalPages(t *testing.T) {
	pages, err := DiscoverTotalPages(listingPage)
	require.NoError(t, err)
	require.Equal(t, 464, pages)
}

func TestDiscoverTotalPages_NoPagination(t *testing.T) {
	pages, err := DiscoverTotalPages(`<html><body><a href="/csa_product/x/">x</a></body></html>`)
	require.NoError(t, err)
	require.Equal(t, 1, pages)
}
