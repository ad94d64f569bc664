package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Storage is the persistence boundary shared by the Postgres, SQLite and MongoDB
// backends. PlaceOrder must be all-or-nothing: every stock decrement is conditional
// on enough stock and a single failed line aborts the whole order.
type Storage interface {
	CreateProduct(ctx context.Context, p *Product) error
	UpdateProduct(ctx context.Context, p *Product) error
	DeleteProduct(ctx context.Context, id string) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListProducts(ctx context.Context, f ProductFilter) ([]Product, error)
	ListCategories(ctx context.Context) ([]string, error)

	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	SetUserRole(ctx context.Context, email string, role Role) error

	PlaceOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, id string, from, to OrderStatus, at time.Time) error

	Ping(ctx context.Context) error
	Close() error
}

// checkLineQuantities rejects lines whose quantity could raise stock through a
// conditional decrement.
func checkLineQuantities(o *Order) error {
	if len(o.Lines) == 0 {
		return validationError("order has no lines")
	}
	for _, l := range o.Lines {
		if l.Quantity < 1 || l.Quantity > maxLineQuantity {
			return validationError("quantity %d for product %s is out of range", l.Quantity, l.ProductID)
		}
	}
	return nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStorage(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{
		db: db,
	}, nil
}

func (s *PostgresStore) Init(ctx context.Context) error {
	slog.Info("initializing postgres schema")
	for _, create := range []func(context.Context) error{
		s.createProductTable,
		s.createCustomerTable,
		s.createOrderTable,
		s.createOrderLineTable,
	} {
		if err := create(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) createProductTable(ctx context.Context) error {
	query := `create table if not exists product (
		id text primary key,
		name varchar(200) not null,
		description varchar(2000) not null default '',
		price numeric(12,2) not null check (price >= 0),
		category varchar(120) not null default '',
		stock integer not null check (stock >= 0),
		images text[] not null default '{}',
		promo boolean not null default false,
		created_at timestamptz not null,
		updated_at timestamptz not null,
		deleted_at timestamptz
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) createCustomerTable(ctx context.Context) error {
	query := `create table if not exists customer (
		id text primary key,
		name varchar(200) not null,
		email varchar(320) not null unique,
		password_hash varchar(120) not null,
		role varchar(16) not null default 'user',
		created_at timestamptz not null
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) createOrderTable(ctx context.Context) error {
	query := `create table if not exists customer_orders (
		id text primary key,
		customer_id text not null,
		customer_name varchar(200) not null,
		customer_email varchar(320) not null,
		shipping jsonb not null,
		payment_proof_ref text not null,
		total numeric(14,2) not null,
		status varchar(16) not null,
		idempotency_key text,
		created_at timestamptz not null,
		updated_at timestamptz not null
	);
	create unique index if not exists customer_orders_idempotency
		on customer_orders (customer_id, idempotency_key) where idempotency_key is not null;
	create index if not exists customer_orders_customer on customer_orders (customer_id);
	create index if not exists customer_orders_created on customer_orders (created_at desc, id desc)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) createOrderLineTable(ctx context.Context) error {
	query := `create table if not exists order_lines (
		order_id text not null references customer_orders(id),
		position integer not null,
		product_id text not null,
		name varchar(200) not null,
		unit_price numeric(12,2) not null,
		quantity integer not null check (quantity > 0),
		image_ref text not null default '',
		primary key (order_id, position)
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

const productColumns = `id, name, description, price, category, stock, images, promo, created_at, updated_at`

func (s *PostgresStore) CreateProduct(ctx context.Context, p *Product) error {
	query := `insert into product (` + productColumns + `) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.Description, p.Price, p.Category, p.Stock, pq.Array(p.Images), p.Promo, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return unavailable("create product", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProduct(ctx context.Context, p *Product) error {
	query := `update product set name = $2, description = $3, price = $4, category = $5, stock = $6, images = $7, promo = $8, updated_at = $9
	where id = $1 and deleted_at is null`
	res, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.Description, p.Price, p.Category, p.Stock, pq.Array(p.Images), p.Promo, p.UpdatedAt)
	if err != nil {
		return unavailable("update product", err)
	}
	return expectOneRow(res, "product "+p.ID)
}

// DeleteProduct only marks the row; order lines keep their own snapshot.
func (s *PostgresStore) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update product set deleted_at = now() where id = $1 and deleted_at is null`, id)
	if err != nil {
		return unavailable("delete product", err)
	}
	return expectOneRow(res, "product "+id)
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	rows, err := s.db.QueryContext(ctx, `select `+productColumns+` from product where id = $1 and deleted_at is null`, id)
	if err != nil {
		return nil, unavailable("get product", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, unavailable("get product", err)
		}
		return nil, notFound("product " + id)
	}
	product, err := scanIntoProduct(rows)
	if err != nil {
		return nil, unavailable("get product", err)
	}
	return &product, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context, f ProductFilter) ([]Product, error) {
	conds := []string{"deleted_at is null"}
	var args []any
	if f.Category != "" {
		args = append(args, f.Category)
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+escapeLike(f.Search)+"%")
		conds = append(conds, fmt.Sprintf("name ilike $%d", len(args)))
	}
	if f.PromoOnly {
		conds = append(conds, "promo")
	}
	query := `select ` + productColumns + ` from product where ` + strings.Join(conds, " and ") + ` order by name, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list products", err)
	}
	defer rows.Close()
	products := []Product{}
	for rows.Next() {
		product, err := scanIntoProduct(rows)
		if err != nil {
			return nil, unavailable("list products", err)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list products", err)
	}
	return products, nil
}

func (s *PostgresStore) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select distinct category from product where deleted_at is null and category <> '' order by category`)
	if err != nil {
		return nil, unavailable("list categories", err)
	}
	defer rows.Close()
	categories := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, unavailable("list categories", err)
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list categories", err)
	}
	return categories, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	query := `insert into customer (id, name, email, password_hash, role, created_at) values ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, query, u.ID, u.Name, u.Email, u.PasswordHash, u.Role, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return unavailable("create user", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUserWhere(ctx, "id", id)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUserWhere(ctx, "email", email)
}

func (s *PostgresStore) getUserWhere(ctx context.Context, column, value string) (*User, error) {
	query := fmt.Sprintf(`select id, name, email, password_hash, role, created_at from customer where %s = $1`, column)
	rows, err := s.db.QueryContext(ctx, query, value)
	if err != nil {
		return nil, unavailable("get user", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, unavailable("get user", err)
		}
		return nil, notFound("user")
	}
	customer, err := scanIntoCustomer(rows)
	if err != nil {
		return nil, unavailable("get user", err)
	}
	return customer, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, email, password_hash, role, created_at from customer order by created_at desc, id desc`)
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer rows.Close()
	users := []User{}
	for rows.Next() {
		customer, err := scanIntoCustomer(rows)
		if err != nil {
			return nil, unavailable("list users", err)
		}
		users = append(users, *customer)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list users", err)
	}
	return users, nil
}

func (s *PostgresStore) SetUserRole(ctx context.Context, email string, role Role) error {
	res, err := s.db.ExecContext(ctx, `update customer set role = $2 where email = $1`, email, role)
	if err != nil {
		return unavailable("set role", err)
	}
	return expectOneRow(res, "user "+email)
}

func (s *PostgresStore) PlaceOrder(ctx context.Context, o *Order) error {
	if err := checkLineQuantities(o); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin order", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, l := range o.Lines {
		res, err := tx.ExecContext(ctx,
			`update product set stock = stock - $1, updated_at = $3 where id = $2 and deleted_at is null and stock >= $1`,
			l.Quantity, l.ProductID, o.CreatedAt,
		)
		if err != nil {
			return unavailable("decrement stock", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w (product %s)", ErrInsufficientStock, l.ProductID)
		}
	}

	shipping, err := json.Marshal(o.Shipping)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`insert into customer_orders (id, customer_id, customer_name, customer_email, shipping, payment_proof_ref, total, status, idempotency_key, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.UserID, o.CustomerName, o.CustomerEmail, shipping, o.PaymentProofRef, o.Total, o.Status, nullString(o.IdempotencyKey), o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateRequest
	}
	if err != nil {
		return unavailable("insert order", err)
	}

	for i, l := range o.Lines {
		_, err = tx.ExecContext(ctx,
			`insert into order_lines (order_id, position, product_id, name, unit_price, quantity, image_ref) values ($1, $2, $3, $4, $5, $6, $7)`,
			o.ID, i, l.ProductID, l.Name, l.UnitPrice, l.Quantity, l.ImageRef,
		)
		if err != nil {
			return unavailable("insert order line", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit order", err)
	}
	return nil
}

const orderColumns = `id, customer_id, customer_name, customer_email, shipping, payment_proof_ref, total, status, coalesce(idempotency_key, ''), created_at, updated_at`

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	orders, err := s.queryOrders(ctx, `select `+orderColumns+` from customer_orders where id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, notFound("order " + id)
	}
	return &orders[0], nil
}

func (s *PostgresStore) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error) {
	orders, err := s.queryOrders(ctx, `select `+orderColumns+` from customer_orders where customer_id = $1 and idempotency_key = $2`, userID, key)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, notFound("order")
	}
	return &orders[0], nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	var conds []string
	var args []any
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+escapeLike(f.Search)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(id ilike $%d or customer_name ilike $%d or customer_email ilike $%d)", n, n, n))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	query := `select ` + orderColumns + ` from customer_orders`
	if len(conds) > 0 {
		query += ` where ` + strings.Join(conds, " and ")
	}
	query += ` order by created_at desc, id desc`
	return s.queryOrders(ctx, query, args...)
}

func (s *PostgresStore) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query orders", err)
	}
	defer rows.Close()

	orders := []Order{}
	index := map[string]int{}
	for rows.Next() {
		order, err := scanIntoOrder(rows)
		if err != nil {
			return nil, unavailable("query orders", err)
		}
		index[order.ID] = len(orders)
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query orders", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	lineRows, err := s.db.QueryContext(ctx,
		`select order_id, product_id, name, unit_price, quantity, image_ref from order_lines where order_id = any($1) order by order_id, position`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, unavailable("query order lines", err)
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var orderID string
		var l OrderLine
		if err := lineRows.Scan(&orderID, &l.ProductID, &l.Name, &l.UnitPrice, &l.Quantity, &l.ImageRef); err != nil {
			return nil, unavailable("query order lines", err)
		}
		i := index[orderID]
		orders[i].Lines = append(orders[i].Lines, l)
	}
	if err := lineRows.Err(); err != nil {
		return nil, unavailable("query order lines", err)
	}
	return orders, nil
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, id string, from, to OrderStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update customer_orders set status = $3, updated_at = $4 where id = $1 and status = $2`, id, from, to, at)
	if err != nil {
		return unavailable("update order status", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists (select 1 from customer_orders where id = $1)`, id).Scan(&exists); err != nil {
		return unavailable("update order status", err)
	}
	if !exists {
		return notFound("order " + id)
	}
	return ErrStaleStatus
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanIntoProduct(rows *sql.Rows) (Product, error) {
	var product Product
	err := rows.Scan(&product.ID, &product.Name, &product.Description, &product.Price, &product.Category, &product.Stock, pq.Array(&product.Images), &product.Promo, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		return Product{}, err
	}
	return product, nil
}

func scanIntoCustomer(rows *sql.Rows) (*User, error) {
	var customer User
	if err := rows.Scan(&customer.ID, &customer.Name, &customer.Email, &customer.PasswordHash, &customer.Role, &customer.CreatedAt); err != nil {
		return nil, err
	}
	return &customer, nil
}

func scanIntoOrder(rows *sql.Rows) (Order, error) {
	var order Order
	var shipping []byte
	err := rows.Scan(&order.ID, &order.UserID, &order.CustomerName, &order.CustomerEmail, &shipping, &order.PaymentProofRef, &order.Total, &order.Status, &order.IdempotencyKey, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	if err := json.Unmarshal(shipping, &order.Shipping); err != nil {
		return Order{}, err
	}
	return order, nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("rows affected", err)
	}
	if n == 0 {
		return notFound(what)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// escapeLike makes user input literal inside a LIKE pattern using the default
// backslash escape.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
