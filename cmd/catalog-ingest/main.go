// Command catalog-ingest reconciles product stock from warehouse count
// snapshots. Each snapshot is a gzip file of "serial,productID" lines, one
// line per physical unit. Units scanned by more than one warehouse (moved
// while counting) are counted once.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-orders/internal/domain/product"
	"github.com/xenking/kart-orders/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 10_000_000
	maxFiles      = bits.UintSize
)

// stockWriter replaces the on-hand quantity of a product.
type stockWriter interface {
	SetStock(ctx context.Context, productID string, qty int) error
}

// fileScan is the result of pass 1 for a single snapshot.
type fileScan struct {
	filter *bloom.BloomFilter
	counts map[string]int
	units  uint64
}

// candidate is a serial that may appear in more than one snapshot.
type candidate struct {
	mask      uint
	productID string
}

func main() {
	var (
		dataDir       string
		databaseURL   string
		expectedUnits uint
		dryRun        bool
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.gz stock snapshots")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&expectedUnits, "expected-units", 10_000_000, "expected units per snapshot, sizes the bloom filters")
	flag.BoolVar(&dryRun, "dry-run", false, "log computed stock without writing it")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, expectedUnits, dryRun); err != nil {
		slog.Error("catalog ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("catalog ingest completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL string, expectedUnits uint, dryRun bool) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.gz"))
	if err != nil {
		return errors.Wrap(err, "list snapshots")
	}
	sort.Strings(files)

	stock, err := countStock(ctx, files, expectedUnits)
	if err != nil {
		return err
	}
	slog.Info("stock computed", slog.Int("products", len(stock)))

	if dryRun {
		for _, id := range sortedKeys(stock) {
			slog.Info("stock", slog.String("product_id", id), slog.Int("quantity", stock[id]))
		}
		return nil
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	return writeStock(ctx, postgres.NewStore(pool).Products, stock)
}

// countStock returns the number of distinct units per product across all
// snapshots.
func countStock(ctx context.Context, files []string, expectedUnits uint) (map[string]int, error) {
	if len(files) == 0 {
		return nil, errors.New("no snapshots found")
	}
	if len(files) > maxFiles {
		return nil, errors.Errorf("too many snapshots: %d, max %d", len(files), maxFiles)
	}

	slog.Info("pass 1: counting units and building bloom filters", slog.Int("files", len(files)))
	scans, err := scanFiles(ctx, files, expectedUnits)
	if err != nil {
		return nil, errors.Wrap(err, "scan snapshots")
	}

	stock := make(map[string]int)
	for _, s := range scans {
		for id, n := range s.counts {
			stock[id] += n
		}
	}
	if len(files) == 1 {
		return stock, nil
	}

	slog.Info("pass 2: finding units present in several snapshots")
	dups, err := findDuplicates(ctx, files, scans)
	if err != nil {
		return nil, errors.Wrap(err, "find duplicates")
	}

	var removed int
	for _, c := range dups {
		extra := bits.OnesCount(c.mask) - 1
		stock[c.productID] -= extra
		removed += extra
	}
	slog.Info("duplicates removed", slog.Int("serials", len(dups)), slog.Int("units", removed))

	return stock, nil
}

func scanFiles(ctx context.Context, files []string, expectedUnits uint) ([]fileScan, error) {
	scans := make([]fileScan, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			s := fileScan{
				filter: bloom.NewWithEstimates(expectedUnits, bloomFPR),
				counts: make(map[string]int),
			}
			if err := streamGzFile(ctx, path, func(serial, productID string) {
				s.filter.AddString(serial)
				s.counts[productID]++
				s.units++
				if s.units%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", path), slog.Uint64("units", s.units))
				}
			}); err != nil {
				return errors.Wrapf(err, "scan file %d", i+1)
			}

			slog.Info("pass 1 complete",
				slog.String("file", path),
				slog.Uint64("units", s.units),
				slog.Int("products", len(s.counts)),
			)
			scans[i] = s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scans, nil
}

// findDuplicates re-streams each snapshot and marks serials that test
// positive in another snapshot's filter. Only serials actually seen in two or
// more snapshots are returned, so bloom false positives never reduce stock.
func findDuplicates(ctx context.Context, files []string, scans []fileScan) (map[string]candidate, error) {
	results := make([]map[string]candidate, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			found := make(map[string]candidate)
			fileBit := uint(1) << uint(i)

			if err := streamGzFile(ctx, path, func(serial, productID string) {
				for j, s := range scans {
					if j != i && s.filter.TestString(serial) {
						found[serial] = candidate{mask: fileBit, productID: productID}
						return
					}
				}
			}); err != nil {
				return errors.Wrapf(err, "scan file %d for duplicates", i+1)
			}

			slog.Info("pass 2 complete", slog.String("file", path), slog.Int("candidates", len(found)))
			results[i] = found
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]candidate)
	for _, r := range results {
		for serial, c := range r {
			m := merged[serial]
			m.mask |= c.mask
			m.productID = c.productID
			merged[serial] = m
		}
	}
	for serial, c := range merged {
		if bits.OnesCount(c.mask) < 2 {
			delete(merged, serial)
		}
	}
	return merged, nil
}

// streamGzFile opens a gzip-compressed snapshot and calls fn for each
// well-formed line. Blank and malformed lines are skipped.
func streamGzFile(ctx context.Context, path string, fn func(serial, productID string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	var skipped uint64
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		serial, productID, ok := parseLine(scanner.Text())
		if !ok {
			skipped++
			continue
		}
		fn(serial, productID)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	if skipped > 0 {
		slog.Warn("skipped malformed lines", slog.String("file", path), slog.Uint64("lines", skipped))
	}
	return nil
}

func parseLine(line string) (serial, productID string, ok bool) {
	serial, productID, ok = strings.Cut(strings.TrimSpace(line), ",")
	serial, productID = strings.TrimSpace(serial), strings.TrimSpace(productID)
	if !ok || serial == "" || productID == "" {
		return "", "", false
	}
	return serial, productID, true
}

// writeStock sets the counted quantity of every known product. Products
// missing from the catalog are logged and skipped.
func writeStock(ctx context.Context, w stockWriter, stock map[string]int) error {
	ids := sortedKeys(stock)
	slog.Info("writing stock", slog.Int("products", len(ids)))

	var unknown int
	for i, id := range ids {
		if err := w.SetStock(ctx, id, stock[id]); err != nil {
			if errors.Is(err, product.ErrNotFound) {
				unknown++
				slog.Warn("product not in catalog", slog.String("product_id", id))
				continue
			}
			return errors.Wrapf(err, "set stock of %s", id)
		}
		if (i+1)%100 == 0 || i+1 == len(ids) {
			slog.Info("write progress", slog.Int("written", i+1), slog.Int("total", len(ids)))
		}
	}

	if unknown > 0 {
		slog.Warn("unknown products skipped", slog.Int("count", unknown))
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
