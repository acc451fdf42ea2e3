// Package slidestore provides persistent storage for slides and their point
// annotations using SQLite. The schema is managed by embedded golang-migrate
// migrations so a fresh database file is usable immediately.
package slidestore

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// DefaultInsertBatchSize is the number of annotation rows committed per
// transaction during a bulk load.
const DefaultInsertBatchSize = 10000

// defaultQueryLimit caps bbox queries that do not specify a limit.
const defaultQueryLimit = 10000

// Slide describes one scanned slide and its coordinate space. Dimensions are
// in micrometers; annotation coordinates live in the same space.
type Slide struct {
	ID              string            `json:"slide_id"`
	Name            string            `json:"name"`
	WidthUm         float64           `json:"width_um"`
	HeightUm        float64           `json:"height_um"`
	MicronsPerPixel float64           `json:"microns_per_pixel"`
	Stain           string            `json:"stain,omitempty"`
	Organ           string            `json:"organ,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	NAnnotations    int               `json:"n_annotations"`
}

// Annotation is a single point annotation on a slide. ClusterID carries the
// generating cluster for synthetic data and is -1 when unknown.
type Annotation struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	ClusterID  int     `json:"cluster_id"`
}

// LoadStats reports the outcome of a bulk annotation load.
type LoadStats struct {
	Inserted   int     `json:"inserted"`
	ElapsedMS  float64 `json:"elapsed_ms"`
	RowsPerSec float64 `json:"rows_per_sec"`
}

// Extent is the bounding box of a slide's annotations.
type Extent struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// SlideSummary aggregates annotation statistics for one slide.
type SlideSummary struct {
	SlideID        string         `json:"slide_id"`
	TotalCount     int            `json:"total_count"`
	LabelCounts    map[string]int `json:"label_counts"`
	MeanConfidence float64        `json:"mean_confidence"`
	Extent         *Extent        `json:"extent,omitempty"`
}

// BBoxQuery selects annotations inside an axis-aligned box (inclusive on all
// edges). Label narrows the query to one annotation label when non-empty.
type BBoxQuery struct {
	SlideID string  `json:"slide_id"`
	MinX    float64 `json:"min_x"`
	MinY    float64 `json:"min_y"`
	MaxX    float64 `json:"max_x"`
	MaxY    float64 `json:"max_y"`
	Label   string  `json:"label,omitempty"`
	Limit   int     `json:"limit,omitempty"`
	Offset  int     `json:"offset,omitempty"`
}

// Store provides persistent storage for slides using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (or creates) the slide database and applies pending
// migrations.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// Note: we don't close m here because it would close the underlying DB
	// connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements the migrate.Logger interface.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// CreateSlide inserts a new slide record.
func (s *Store) CreateSlide(slide *Slide) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON := "{}"
	if slide.Metadata != nil {
		b, err := json.Marshal(slide.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = string(b)
	}

	_, err := s.db.Exec(`
		INSERT INTO slides (slide_id, name, width_um, height_um, microns_per_pixel, stain, organ, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		slide.ID,
		slide.Name,
		slide.WidthUm,
		slide.HeightUm,
		slide.MicronsPerPixel,
		slide.Stain,
		slide.Organ,
		metadataJSON,
		slide.CreatedAt.Format(time.RFC3339),
	)
	return err
}

const slideColumns = `
	s.slide_id, s.name, s.width_um, s.height_um, s.microns_per_pixel, s.stain, s.organ, s.metadata_json, s.created_at,
	(SELECT COUNT(*) FROM annotations a WHERE a.slide_id = s.slide_id) AS n_annotations`

// GetSlide retrieves a slide by ID, or nil if absent.
func (s *Store) GetSlide(slideID string) (*Slide, error) {
	row := s.db.QueryRow(`
		SELECT`+slideColumns+`
		FROM slides s WHERE s.slide_id = ?
	`, slideID)

	slide, err := scanSlide(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return slide, nil
}

// ListSlides returns slides ordered by the requested column plus the total
// slide count for pagination.
func (s *Store) ListSlides(orderBy string, limit, offset int) ([]*Slide, int, error) {
	// Map order_by to SQL column
	orderCol := "s.created_at DESC"
	switch orderBy {
	case "name":
		orderCol = "s.name ASC"
	case "n_annotations":
		orderCol = "n_annotations DESC, s.created_at DESC"
	case "created_at":
		orderCol = "s.created_at DESC"
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM slides").Scan(&total); err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := fmt.Sprintf(`
		SELECT%s
		FROM slides s
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, slideColumns, orderCol)

	rows, err := s.db.Query(query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var slides []*Slide
	for rows.Next() {
		slide, err := scanSlide(rows)
		if err != nil {
			return nil, 0, err
		}
		slides = append(slides, slide)
	}

	return slides, total, nil
}

// DeleteSlide deletes a slide and all of its annotations.
func (s *Store) DeleteSlide(slideID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Delete annotations first
	_, err := s.db.Exec("DELETE FROM annotations WHERE slide_id = ?", slideID)
	if err != nil {
		return err
	}

	_, err = s.db.Exec("DELETE FROM slides WHERE slide_id = ?", slideID)
	return err
}

// CountSlides returns the number of stored slides.
func (s *Store) CountSlides() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM slides").Scan(&n)
	return n, err
}

// CountAnnotations returns the total number of stored annotations.
func (s *Store) CountAnnotations() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM annotations").Scan(&n)
	return n, err
}

// InsertAnnotations bulk-loads annotations for a slide, committing one
// transaction per batch so multi-million row loads do not hold a single
// giant transaction open.
func (s *Store) InsertAnnotations(slideID string, anns []*Annotation, batchSize int) (*LoadStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batchSize <= 0 {
		batchSize = DefaultInsertBatchSize
	}

	start := time.Now()
	inserted := 0
	for inserted < len(anns) {
		end := inserted + batchSize
		if end > len(anns) {
			end = len(anns)
		}
		if err := s.insertBatch(slideID, anns[inserted:end]); err != nil {
			return nil, fmt.Errorf("failed to insert batch at row %d: %w", inserted, err)
		}
		inserted = end
	}

	elapsed := time.Since(start)
	stats := &LoadStats{
		Inserted:  inserted,
		ElapsedMS: float64(elapsed.Microseconds()) / 1000.0,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		stats.RowsPerSec = float64(inserted) / secs
	}
	return stats, nil
}

func (s *Store) insertBatch(slideID string, anns []*Annotation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO annotations (slide_id, x, y, label, confidence, cluster_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range anns {
		_, err := stmt.Exec(slideID, a.X, a.Y, a.Label, a.Confidence, a.ClusterID)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SlideSummary aggregates annotation counts, confidence and extent for a
// slide. A slide with no annotations yields a zero summary with nil extent.
func (s *Store) SlideSummary(slideID string) (*SlideSummary, error) {
	summary := &SlideSummary{
		SlideID:     slideID,
		LabelCounts: make(map[string]int),
	}

	var meanConf, minX, minY, maxX, maxY sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT COUNT(*), AVG(confidence), MIN(x), MIN(y), MAX(x), MAX(y)
		FROM annotations WHERE slide_id = ?
	`, slideID).Scan(&summary.TotalCount, &meanConf, &minX, &minY, &maxX, &maxY)
	if err != nil {
		return nil, err
	}

	if meanConf.Valid {
		summary.MeanConfidence = meanConf.Float64
	}
	if minX.Valid && minY.Valid && maxX.Valid && maxY.Valid {
		summary.Extent = &Extent{
			MinX: minX.Float64,
			MinY: minY.Float64,
			MaxX: maxX.Float64,
			MaxY: maxY.Float64,
		}
	}

	rows, err := s.db.Query(`
		SELECT label, COUNT(*) FROM annotations WHERE slide_id = ? GROUP BY label
	`, slideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		summary.LabelCounts[label] = n
	}

	return summary, nil
}

func bboxWhere(q BBoxQuery) (string, []interface{}) {
	where := "slide_id = ? AND x >= ? AND x <= ? AND y >= ? AND y <= ?"
	args := []interface{}{q.SlideID, q.MinX, q.MaxX, q.MinY, q.MaxY}
	if q.Label != "" {
		where += " AND label = ?"
		args = append(args, q.Label)
	}
	return where, args
}

// QueryBBox returns annotations inside the query box in insertion order plus
// the total match count for pagination.
func (s *Store) QueryBBox(q BBoxQuery) ([]*Annotation, int, error) {
	where, args := bboxWhere(q)

	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM annotations WHERE "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := fmt.Sprintf(`
		SELECT x, y, label, confidence, cluster_id
		FROM annotations
		WHERE %s
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`, where)

	rows, err := s.db.Query(query, append(args, limit, q.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var anns []*Annotation
	for rows.Next() {
		var a Annotation
		if err := rows.Scan(&a.X, &a.Y, &a.Label, &a.Confidence, &a.ClusterID); err != nil {
			return nil, 0, err
		}
		anns = append(anns, &a)
	}

	return anns, total, nil
}

// CountInBBox returns the number of annotations inside the query box. Limit
// and Offset are ignored.
func (s *Store) CountInBBox(q BBoxQuery) (int, error) {
	where, args := bboxWhere(q)

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM annotations WHERE "+where, args...).Scan(&n)
	return n, err
}

// PointsForAnalysis returns the slide's annotation coordinates and labels as
// parallel slices in insertion order. A non-empty label restricts the result
// to that label; maxPoints > 0 caps the number of rows returned.
func (s *Store) PointsForAnalysis(slideID, label string, maxPoints int) (xs, ys []float64, labels []string, err error) {
	where := "slide_id = ?"
	args := []interface{}{slideID}
	if label != "" {
		where += " AND label = ?"
		args = append(args, label)
	}

	query := `
		SELECT x, y, label FROM annotations
		WHERE ` + where + `
		ORDER BY id ASC
	`
	if maxPoints > 0 {
		query += " LIMIT ?"
		args = append(args, maxPoints)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var x, y float64
		var l string
		if err := rows.Scan(&x, &y, &l); err != nil {
			return nil, nil, nil, err
		}
		xs = append(xs, x)
		ys = append(ys, y)
		labels = append(labels, l)
	}

	return xs, ys, labels, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSlide(row rowScanner) (*Slide, error) {
	var slide Slide
	var metadataJSON string
	var createdAtStr string

	err := row.Scan(
		&slide.ID,
		&slide.Name,
		&slide.WidthUm,
		&slide.HeightUm,
		&slide.MicronsPerPixel,
		&slide.Stain,
		&slide.Organ,
		&metadataJSON,
		&createdAtStr,
		&slide.NAnnotations,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(metadataJSON), &slide.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	slide.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)

	return &slide, nil
}
