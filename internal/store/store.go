package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-engine/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when the order state machine forbids a move.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStatusConflict is returned when an order left the expected source status
	// before a conditional status write ran.
	ErrStatusConflict = errors.New("order status changed concurrently")
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Querier is the set of parameterized primitives shared by *sqlx.DB and *sqlx.Tx.
// Statements are written with `?` placeholders and rebound for the active driver.
type Querier interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
}

type Store struct {
	db     *sqlx.DB
	driver string
}

// NewStore opens the database for the given driver and applies the embedded schema.
func NewStore(driver, databaseURL string) (*Store, error) {
	dsn := databaseURL
	switch driver {
	case DriverPostgres:
	case DriverSQLite:
		dsn = sqliteDSN(databaseURL)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// one writer at a time; transactions queue on the pool instead of failing with SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn inside one transaction. The transaction commits only when fn
// returns nil; an error or a panic rolls it back. fn receives a context
// detached from the caller's cancellation: a started unit always runs to
// commit or rollback.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) (err error) {
	ctx = context.WithoutCancel(ctx)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		rbErr := tx.Rollback()
		if p := recover(); p != nil {
			panic(p)
		}
		if err != nil && rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// CreateCustomer inserts a customer and sets its ID.
func (s *Store) CreateCustomer(ctx context.Context, c *models.Customer) error {
	return s.db.GetContext(ctx, &c.ID, s.db.Rebind(`
		INSERT INTO customers (name, email, phone, city)
		VALUES (?, ?, ?, ?)
		RETURNING id`),
		c.Name, c.Email, c.Phone, c.City)
}

// CustomerExists reports whether a customer row exists.
func CustomerExists(ctx context.Context, q Querier, customerID int64) (bool, error) {
	var count int
	err := q.GetContext(ctx, &count,
		q.Rebind("SELECT COUNT(*) FROM customers WHERE id = ?"), customerID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateProduct inserts a product with its opening stock and sets its ID.
func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	return s.db.GetContext(ctx, &p.ID, s.db.Rebind(`
		INSERT INTO products (sku, name, price, stock)
		VALUES (?, ?, ?, ?)
		RETURNING id`),
		p.SKU, p.Name, p.Price, p.Stock)
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product,
		s.db.Rebind("SELECT id, sku, name, price, stock, created_at FROM products WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProducts retrieves all products
func (s *Store) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products,
		"SELECT id, sku, name, price, stock, created_at FROM products ORDER BY id")
	return products, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		s.db.Rebind("SELECT COUNT(*) FROM processed_events WHERE event_id = ?"), eventID)
	return count > 0, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind("INSERT INTO processed_events (event_id, event_type) VALUES (?, ?) ON CONFLICT (event_id) DO NOTHING"),
		eventID, eventType)
	return err
}
