package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type productRecord struct {
	ID          string          `gorm:"primaryKey;type:text"`
	Name        string          `gorm:"size:200;not null"`
	Description string          `gorm:"size:2000"`
	Price       decimal.Decimal `gorm:"type:text;not null"`
	Category    string          `gorm:"size:120;index"`
	Stock       int             `gorm:"not null;default:0;check:stock >= 0"`
	Images      []string        `gorm:"serializer:json"`
	Promo       bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

func (productRecord) TableName() string {
	return "products"
}

type userRecord struct {
	ID           string `gorm:"primaryKey;type:text"`
	Name         string `gorm:"size:200;not null"`
	Email        string `gorm:"uniqueIndex;not null;type:text"`
	PasswordHash string `gorm:"not null;type:text"`
	Role         string `gorm:"size:16;not null;default:user"`
	CreatedAt    time.Time
}

func (userRecord) TableName() string {
	return "users"
}

type orderRecord struct {
	ID              string          `gorm:"primaryKey;type:text"`
	UserID          string          `gorm:"not null;index;uniqueIndex:idx_orders_idempotency,priority:1"`
	CustomerName    string          `gorm:"size:200"`
	CustomerEmail   string          `gorm:"type:text"`
	Shipping        ShippingAddress `gorm:"serializer:json"`
	PaymentProofRef string          `gorm:"type:text;not null"`
	Total           decimal.Decimal `gorm:"type:text;not null"`
	Status          string          `gorm:"size:16;not null;index"`
	IdempotencyKey  *string         `gorm:"type:text;uniqueIndex:idx_orders_idempotency,priority:2"`
	CreatedAt       time.Time       `gorm:"index"`
	UpdatedAt       time.Time
	Lines           []orderLineRecord `gorm:"foreignKey:OrderID"`
}

func (orderRecord) TableName() string {
	return "orders"
}

type orderLineRecord struct {
	OrderID   string          `gorm:"primaryKey;type:text"`
	Position  int             `gorm:"primaryKey;autoIncrement:false"`
	ProductID string          `gorm:"type:text;not null;index"`
	Name      string          `gorm:"size:200"`
	UnitPrice decimal.Decimal `gorm:"type:text;not null"`
	Quantity  int             `gorm:"not null"`
	ImageRef  string          `gorm:"type:text"`
}

func (orderLineRecord) TableName() string {
	return "order_lines"
}

// SQLiteStore keeps the catalog, users and orders in a single SQLite file through
// GORM. It serves local development and the test suite.
type SQLiteStore struct {
	db *gorm.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on&_busy_timeout=5000"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY inside transactions.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&productRecord{}, &userRecord{}, &orderRecord{}, &orderLineRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateProduct(ctx context.Context, p *Product) error {
	rec := toProductRecord(p)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return unavailable("create product", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateProduct(ctx context.Context, p *Product) error {
	rec := toProductRecord(p)
	res := s.db.WithContext(ctx).Model(&rec).Select("*").Omit("ID", "CreatedAt", "DeletedAt").Updates(&rec)
	if res.Error != nil {
		return unavailable("update product", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("product " + p.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteProduct(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&productRecord{}, "id = ?", id)
	if res.Error != nil {
		return unavailable("delete product", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("product " + id)
	}
	return nil
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	var rec productRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("product " + id)
		}
		return nil, unavailable("get product", err)
	}
	p := rec.toProduct()
	return &p, nil
}

func (s *SQLiteStore) ListProducts(ctx context.Context, f ProductFilter) ([]Product, error) {
	q := s.db.WithContext(ctx).Model(&productRecord{})
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.Search != "" {
		q = q.Where(`LOWER(name) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(f.Search))+"%")
	}
	if f.PromoOnly {
		q = q.Where("promo = ?", true)
	}
	var recs []productRecord
	if err := q.Order("name, id").Find(&recs).Error; err != nil {
		return nil, unavailable("list products", err)
	}
	products := make([]Product, 0, len(recs))
	for _, rec := range recs {
		products = append(products, rec.toProduct())
	}
	return products, nil
}

func (s *SQLiteStore) ListCategories(ctx context.Context) ([]string, error) {
	categories := []string{}
	err := s.db.WithContext(ctx).Model(&productRecord{}).
		Distinct().
		Where("category <> ''").
		Order("category").
		Pluck("category", &categories).Error
	if err != nil {
		return nil, unavailable("list categories", err)
	}
	return categories, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	rec := userRecord{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		CreatedAt:    u.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrEmailTaken
		}
		return unavailable("create user", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.findUser(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.findUser(ctx, "email = ?", email)
}

func (s *SQLiteStore) findUser(ctx context.Context, cond string, arg string) (*User, error) {
	var rec userRecord
	if err := s.db.WithContext(ctx).First(&rec, cond, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("user")
		}
		return nil, unavailable("get user", err)
	}
	u := rec.toUser()
	return &u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	var recs []userRecord
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&recs).Error; err != nil {
		return nil, unavailable("list users", err)
	}
	users := make([]User, 0, len(recs))
	for _, rec := range recs {
		users = append(users, rec.toUser())
	}
	return users, nil
}

func (s *SQLiteStore) SetUserRole(ctx context.Context, email string, role Role) error {
	res := s.db.WithContext(ctx).Model(&userRecord{}).Where("email = ?", email).Update("role", string(role))
	if res.Error != nil {
		return unavailable("set role", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("user " + email)
	}
	return nil
}

func (s *SQLiteStore) PlaceOrder(ctx context.Context, o *Order) error {
	if err := checkLineQuantities(o); err != nil {
		return err
	}
	rec := toOrderRecord(o)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, l := range o.Lines {
			res := tx.Model(&productRecord{}).
				Where("id = ? AND stock >= ?", l.ProductID, l.Quantity).
				UpdateColumns(map[string]any{
					"stock":      gorm.Expr("stock - ?", l.Quantity),
					"updated_at": o.CreatedAt,
				})
			if res.Error != nil {
				return unavailable("decrement stock", res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w (product %s)", ErrInsufficientStock, l.ProductID)
			}
		}
		if err := tx.Omit("Lines").Create(&rec).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrDuplicateRequest
			}
			return unavailable("insert order", err)
		}
		if err := tx.Create(&rec.Lines).Error; err != nil {
			return unavailable("insert order lines", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.findOrder(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error) {
	return s.findOrder(ctx, "user_id = ? AND idempotency_key = ?", userID, key)
}

func (s *SQLiteStore) findOrder(ctx context.Context, cond string, args ...any) (*Order, error) {
	var rec orderRecord
	err := s.withLines(s.db.WithContext(ctx)).Where(cond, args...).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("order")
		}
		return nil, unavailable("get order", err)
	}
	o := rec.toOrder()
	return &o, nil
}

func (s *SQLiteStore) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	q := s.withLines(s.db.WithContext(ctx)).Model(&orderRecord{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Search != "" {
		like := "%" + escapeLike(strings.ToLower(f.Search)) + "%"
		q = q.Where(`(LOWER(id) LIKE ? ESCAPE '\' OR LOWER(customer_name) LIKE ? ESCAPE '\' OR LOWER(customer_email) LIKE ? ESCAPE '\')`, like, like, like)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	var recs []orderRecord
	if err := q.Order("created_at DESC, id DESC").Find(&recs).Error; err != nil {
		return nil, unavailable("list orders", err)
	}
	orders := make([]Order, 0, len(recs))
	for _, rec := range recs {
		orders = append(orders, rec.toOrder())
	}
	return orders, nil
}

func (s *SQLiteStore) withLines(db *gorm.DB) *gorm.DB {
	return db.Preload("Lines", func(db *gorm.DB) *gorm.DB {
		return db.Order("position")
	})
}

func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, id string, from, to OrderStatus, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&orderRecord{}).
		Where("id = ? AND status = ?", id, string(from)).
		UpdateColumns(map[string]any{"status": string(to), "updated_at": at})
	if res.Error != nil {
		return unavailable("update order status", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&orderRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return unavailable("update order status", err)
	}
	if count == 0 {
		return notFound("order " + id)
	}
	return ErrStaleStatus
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toProductRecord(p *Product) productRecord {
	return productRecord{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Category:    p.Category,
		Stock:       p.Stock,
		Images:      p.Images,
		Promo:       p.Promo,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func (r productRecord) toProduct() Product {
	images := r.Images
	if images == nil {
		images = []string{}
	}
	return Product{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Price:       r.Price,
		Category:    r.Category,
		Stock:       r.Stock,
		Images:      images,
		Promo:       r.Promo,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (r userRecord) toUser() User {
	return User{
		ID:           r.ID,
		Name:         r.Name,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Role:         Role(r.Role),
		CreatedAt:    r.CreatedAt,
	}
}

func toOrderRecord(o *Order) orderRecord {
	rec := orderRecord{
		ID:              o.ID,
		UserID:          o.UserID,
		CustomerName:    o.CustomerName,
		CustomerEmail:   o.CustomerEmail,
		Shipping:        o.Shipping,
		PaymentProofRef: o.PaymentProofRef,
		Total:           o.Total,
		Status:          string(o.Status),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if o.IdempotencyKey != "" {
		key := o.IdempotencyKey
		rec.IdempotencyKey = &key
	}
	for i, l := range o.Lines {
		rec.Lines = append(rec.Lines, orderLineRecord{
			OrderID:   o.ID,
			Position:  i,
			ProductID: l.ProductID,
			Name:      l.Name,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
			ImageRef:  l.ImageRef,
		})
	}
	return rec
}

func (r orderRecord) toOrder() Order {
	o := Order{
		ID:              r.ID,
		UserID:          r.UserID,
		CustomerName:    r.CustomerName,
		CustomerEmail:   r.CustomerEmail,
		Shipping:        r.Shipping,
		PaymentProofRef: r.PaymentProofRef,
		Total:           r.Total,
		Status:          OrderStatus(r.Status),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Lines:           make([]OrderLine, 0, len(r.Lines)),
	}
	if r.IdempotencyKey != nil {
		o.IdempotencyKey = *r.IdempotencyKey
	}
	for _, l := range r.Lines {
		o.Lines = append(o.Lines, OrderLine{
			ProductID: l.ProductID,
			Name:      l.Name,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
			ImageRef:  l.ImageRef,
		})
	}
	return o
}
