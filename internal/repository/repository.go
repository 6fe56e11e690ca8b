// Package repository implements the persistence port the actor hierarchy
// writes through: upserts for products and product details (batched, one
// transaction per stage flush), the vendor directory, terminal session
// results, and the coverage queries the DbAnalyzer reads.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/mattercrawl/engine/internal/domain"
)

// PageCoverage is one canonical page's observed occupancy.
type PageCoverage struct {
	PageID int `db:"page_id"`
	Items  int `db:"items"`
}

// QualityStats carries the data-quality inputs the DbAnalyzer folds into
// its report.
type QualityStats struct {
	TotalProducts       int `db:"total_products"`
	MissingManufacturer int `db:"missing_manufacturer"`
	MissingModel        int `db:"missing_model"`
	MissingCertificate  int `db:"missing_certificate"`
	DetailsPresent      int `db:"details_present"`
}

// Repository is the persistence port. The actors and the analyzer depend
// on this interface, never on the SQL below it.
type Repository interface {
	UpsertProduct(ctx context.Context, p domain.Product) error
	UpsertProducts(ctx context.Context, ps []domain.Product) error
	UpsertProductDetail(ctx context.Context, d domain.ProductDetail) error
	UpsertProductDetails(ctx context.Context, ds []domain.ProductDetail) error
	ExistingURLs(ctx context.Context, urls []string) (map[string]struct{}, error)
	CoverageSummary(ctx context.Context) ([]PageCoverage, error)
	CountByPages(ctx context.Context) (int, error)
	CountDistinctURLs(ctx context.Context) (int, error)
	QualityStats(ctx context.Context) (QualityStats, error)
	InsertCrawlingResult(ctx context.Context, r domain.CrawlingSessionResult) error
	LatestResults(ctx context.Context, limit int) ([]domain.CrawlingSessionResult, error)
	UpsertVendorByName(ctx context.Context, v domain.Vendor) error
	RefreshVendorProductCounts(ctx context.Context) error
	Close() error
}

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Postgres is the sqlx-backed Repository over the pgx stdlib driver.
type Postgres struct {
	db *sqlx.DB
}

// Open connects, applies pool limits, and verifies the connection.
func Open(ctx context.Context, dsn string, opts Options) (*Postgres, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, classify("repository.Open", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("repository.Open", err)
	}
	return &Postgres{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sqlx.DB) *Postgres { return &Postgres{db: db} }

func (r *Postgres) Close() error { return r.db.Close() }

// Upserts never regress a non-null column to null: every nullable column
// takes COALESCE(EXCLUDED.col, old.col) so a sparser re-scrape cannot erase
// what an earlier pass observed.
const upsertProductSQL = `
INSERT INTO products (url, manufacturer, model, certificate_id, page_id, index_in_page)
VALUES (:url, :manufacturer, :model, :certificate_id, :page_id, :index_in_page)
ON CONFLICT (url) DO UPDATE SET
    manufacturer   = COALESCE(EXCLUDED.manufacturer, products.manufacturer),
    model          = COALESCE(EXCLUDED.model, products.model),
    certificate_id = COALESCE(EXCLUDED.certificate_id, products.certificate_id),
    page_id        = COALESCE(EXCLUDED.page_id, products.page_id),
    index_in_page  = COALESCE(EXCLUDED.index_in_page, products.index_in_page),
    updated_at     = now()`

func (r *Postgres) UpsertProduct(ctx context.Context, p domain.Product) error {
	if _, err := r.db.NamedExecContext(ctx, upsertProductSQL, p); err != nil {
		return classify("repository.UpsertProduct", err)
	}
	return nil
}

func (r *Postgres) UpsertProducts(ctx context.Context, ps []domain.Product) error {
	if len(ps) == 0 {
		return nil
	}
	return r.inTx(ctx, "repository.UpsertProducts", func(tx *sqlx.Tx) error {
		for _, p := range ps {
			if _, err := tx.NamedExecContext(ctx, upsertProductSQL, p); err != nil {
				return err
			}
		}
		return nil
	})
}

const upsertDetailSQL = `
INSERT INTO product_details (
    url, device_type, vid, pid, certification_date,
    software_version, hardware_version, firmware_version,
    specification_version, transport_interface, application_categories,
    description, compliance_document_url, program_type
) VALUES (
    :url, :device_type, :vid, :pid, :certification_date,
    :software_version, :hardware_version, :firmware_version,
    :specification_version, :transport_interface, :application_categories,
    :description, :compliance_document_url, :program_type
)
ON CONFLICT (url) DO UPDATE SET
    device_type             = COALESCE(EXCLUDED.device_type, product_details.device_type),
    vid                     = COALESCE(EXCLUDED.vid, product_details.vid),
    pid                     = COALESCE(EXCLUDED.pid, product_details.pid),
    certification_date      = COALESCE(EXCLUDED.certification_date, product_details.certification_date),
    software_version        = COALESCE(EXCLUDED.software_version, product_details.software_version),
    hardware_version        = COALESCE(EXCLUDED.hardware_version, product_details.hardware_version),
    firmware_version        = COALESCE(EXCLUDED.firmware_version, product_details.firmware_version),
    specification_version   = COALESCE(EXCLUDED.specification_version, product_details.specification_version),
    transport_interface     = COALESCE(EXCLUDED.transport_interface, product_details.transport_interface),
    application_categories  = COALESCE(EXCLUDED.application_categories, product_details.application_categories),
    description             = COALESCE(EXCLUDED.description, product_details.description),
    compliance_document_url = COALESCE(EXCLUDED.compliance_document_url, product_details.compliance_document_url),
    program_type            = EXCLUDED.program_type,
    updated_at              = now()`

func (r *Postgres) UpsertProductDetail(ctx context.Context, d domain.ProductDetail) error {
	if _, err := r.db.NamedExecContext(ctx, upsertDetailSQL, d); err != nil {
		return classify("repository.UpsertProductDetail", err)
	}
	return nil
}

func (r *Postgres) UpsertProductDetails(ctx context.Context, ds []domain.ProductDetail) error {
	if len(ds) == 0 {
		return nil
	}
	return r.inTx(ctx, "repository.UpsertProductDetails", func(tx *sqlx.Tx) error {
		for _, d := range ds {
			if _, err := tx.NamedExecContext(ctx, upsertDetailSQL, d); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExistingURLs probes which of urls are already present.
func (r *Postgres) ExistingURLs(ctx context.Context, urls []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(urls))
	if len(urls) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT url FROM products WHERE url IN (?)`, urls)
	if err != nil {
		return nil, classify("repository.ExistingURLs", err)
	}
	var found []string
	if err := r.db.SelectContext(ctx, &found, r.db.Rebind(query), args...); err != nil {
		return nil, classify("repository.ExistingURLs", err)
	}
	for _, u := range found {
		out[u] = struct{}{}
	}
	return out, nil
}

// CoverageSummary reports occupancy per known canonical page, ascending.
func (r *Postgres) CoverageSummary(ctx context.Context) ([]PageCoverage, error) {
	var rows []PageCoverage
	err := r.db.SelectContext(ctx, &rows, `
		SELECT page_id, COUNT(*) AS items
		FROM products
		WHERE page_id IS NOT NULL
		GROUP BY page_id
		ORDER BY page_id`)
	if err != nil {
		return nil, classify("repository.CoverageSummary", err)
	}
	return rows, nil
}

// CountByPages is access path A of the analyzer's cross-check: total rows
// reachable through the canonical page grouping.
func (r *Postgres) CountByPages(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COALESCE(SUM(items), 0) FROM (
			SELECT COUNT(*) AS items FROM products WHERE page_id IS NOT NULL GROUP BY page_id
		) pages`)
	if err != nil {
		return 0, classify("repository.CountByPages", err)
	}
	return n, nil
}

// CountDistinctURLs is access path B: distinct keyed rows with coordinates.
func (r *Postgres) CountDistinctURLs(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(DISTINCT url) FROM products WHERE page_id IS NOT NULL`)
	if err != nil {
		return 0, classify("repository.CountDistinctURLs", err)
	}
	return n, nil
}

func (r *Postgres) QualityStats(ctx context.Context) (QualityStats, error) {
	var qs QualityStats
	err := r.db.GetContext(ctx, &qs, `
		SELECT
			COUNT(*) AS total_products,
			COUNT(*) FILTER (WHERE manufacturer IS NULL)   AS missing_manufacturer,
			COUNT(*) FILTER (WHERE model IS NULL)          AS missing_model,
			COUNT(*) FILTER (WHERE certificate_id IS NULL) AS missing_certificate,
			(SELECT COUNT(*) FROM product_details)         AS details_present
		FROM products`)
	if err != nil {
		return QualityStats{}, classify("repository.QualityStats", err)
	}
	return qs, nil
}

func (r *Postgres) InsertCrawlingResult(ctx context.Context, res domain.CrawlingSessionResult) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO crawling_results (
			session_id, status, last_stage, total_pages, products_found,
			details_fetched, errors_count, started_at, finished_at,
			config_snapshot, error_details
		) VALUES (
			:session_id, :status, :last_stage, :total_pages, :products_found,
			:details_fetched, :errors_count, :started_at, :finished_at,
			:config_snapshot, :error_details
		)`, res)
	if err != nil {
		return classify("repository.InsertCrawlingResult", err)
	}
	return nil
}

func (r *Postgres) LatestResults(ctx context.Context, limit int) ([]domain.CrawlingSessionResult, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []domain.CrawlingSessionResult
	err := r.db.SelectContext(ctx, &rows, `
		SELECT session_id, status, last_stage, total_pages, products_found,
		       details_fetched, errors_count, started_at, finished_at,
		       config_snapshot, error_details
		FROM crawling_results
		ORDER BY finished_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify("repository.LatestResults", err)
	}
	return rows, nil
}

// UpsertVendorByName keys on legal name when no vendor number is present,
// and on vendor number when it is.
func (r *Postgres) UpsertVendorByName(ctx context.Context, v domain.Vendor) error {
	var err error
	if v.VendorNumber != nil {
		_, err = r.db.NamedExecContext(ctx, `
			INSERT INTO vendors (vendor_number, legal_name, country)
			VALUES (:vendor_number, :legal_name, :country)
			ON CONFLICT (vendor_number) DO UPDATE SET
				legal_name = EXCLUDED.legal_name,
				country    = COALESCE(EXCLUDED.country, vendors.country),
				updated_at = now()`, v)
	} else {
		_, err = r.db.NamedExecContext(ctx, `
			INSERT INTO vendors (legal_name, country)
			VALUES (:legal_name, :country)
			ON CONFLICT (legal_name) WHERE vendor_number IS NULL DO UPDATE SET
				country    = COALESCE(EXCLUDED.country, vendors.country),
				updated_at = now()`, v)
	}
	if err != nil {
		return classify("repository.UpsertVendorByName", err)
	}
	return nil
}

// RefreshVendorProductCounts recomputes the denormalized product_count from
// the manufacturer text on products. A reporting convenience, not part of
// the crawl-path invariants.
func (r *Postgres) RefreshVendorProductCounts(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE vendors v SET
			product_count = sub.n,
			updated_at    = now()
		FROM (
			SELECT manufacturer, COUNT(*) AS n
			FROM products
			WHERE manufacturer IS NOT NULL
			GROUP BY manufacturer
		) sub
		WHERE sub.manufacturer = v.legal_name AND v.product_count <> sub.n`)
	if err != nil {
		return classify("repository.RefreshVendorProductCounts", err)
	}
	return nil
}

func (r *Postgres) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return classify(op, fmt.Errorf("%w (rollback also failed: %v)", err, rbErr))
		}
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}
