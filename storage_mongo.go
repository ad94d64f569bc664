package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type productDoc struct {
	ID          string               `bson:"_id"`
	Name        string               `bson:"name"`
	Description string               `bson:"description"`
	Price       primitive.Decimal128 `bson:"price"`
	Category    string               `bson:"category"`
	Stock       int                  `bson:"stock"`
	Images      []string             `bson:"images"`
	Promo       bool                 `bson:"promo"`
	CreatedAt   time.Time            `bson:"created_at"`
	UpdatedAt   time.Time            `bson:"updated_at"`
	DeletedAt   *time.Time           `bson:"deleted_at,omitempty"`
}

type userDoc struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	Email        string    `bson:"email"`
	PasswordHash string    `bson:"password_hash"`
	Role         string    `bson:"role"`
	CreatedAt    time.Time `bson:"created_at"`
}

type orderLineDoc struct {
	ProductID string               `bson:"product_id"`
	Name      string               `bson:"name"`
	UnitPrice primitive.Decimal128 `bson:"unit_price"`
	Quantity  int                  `bson:"quantity"`
	ImageRef  string               `bson:"image_ref,omitempty"`
}

type orderDoc struct {
	ID              string               `bson:"_id"`
	UserID          string               `bson:"user_id"`
	CustomerName    string               `bson:"customer_name"`
	CustomerEmail   string               `bson:"customer_email"`
	Lines           []orderLineDoc       `bson:"lines"`
	Shipping        ShippingAddress      `bson:"shipping"`
	PaymentProofRef string               `bson:"payment_proof_ref"`
	Total           primitive.Decimal128 `bson:"total"`
	Status          string               `bson:"status"`
	IdempotencyKey  string               `bson:"idempotency_key,omitempty"`
	CreatedAt       time.Time            `bson:"created_at"`
	UpdatedAt       time.Time            `bson:"updated_at"`
}

// MongoStore keeps each order as one document with its lines embedded. Placing an
// order needs a replica set because it runs in a multi-document transaction.
type MongoStore struct {
	client   *mongo.Client
	products *mongo.Collection
	users    *mongo.Collection
	orders   *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to reach mongodb: %w", err)
	}
	db := client.Database(database)
	return &MongoStore{
		client:   client,
		products: db.Collection("products"),
		users:    db.Collection("users"),
		orders:   db.Collection("orders"),
	}, nil
}

func (s *MongoStore) Init(ctx context.Context) error {
	if _, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.products.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "category", Value: 1}, {Key: "name", Value: 1}},
	}); err != nil {
		return err
	}
	_, err := s.orders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$type": "string"}}),
		},
		{Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	return err
}

var notDeleted = bson.M{"deleted_at": nil}

func (s *MongoStore) CreateProduct(ctx context.Context, p *Product) error {
	if _, err := s.products.InsertOne(ctx, toProductDoc(p)); err != nil {
		return unavailable("create product", err)
	}
	return nil
}

func (s *MongoStore) UpdateProduct(ctx context.Context, p *Product) error {
	doc := toProductDoc(p)
	res, err := s.products.UpdateOne(ctx,
		bson.M{"_id": p.ID, "deleted_at": nil},
		bson.M{"$set": bson.M{
			"name":        doc.Name,
			"description": doc.Description,
			"price":       doc.Price,
			"category":    doc.Category,
			"stock":       doc.Stock,
			"images":      doc.Images,
			"promo":       doc.Promo,
			"updated_at":  doc.UpdatedAt,
		}})
	if err != nil {
		return unavailable("update product", err)
	}
	if res.MatchedCount == 0 {
		return notFound("product " + p.ID)
	}
	return nil
}

func (s *MongoStore) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.products.UpdateOne(ctx,
		bson.M{"_id": id, "deleted_at": nil},
		bson.M{"$set": bson.M{"deleted_at": time.Now().UTC()}})
	if err != nil {
		return unavailable("delete product", err)
	}
	if res.MatchedCount == 0 {
		return notFound("product " + id)
	}
	return nil
}

func (s *MongoStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	var doc productDoc
	err := s.products.FindOne(ctx, bson.M{"_id": id, "deleted_at": nil}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound("product " + id)
	}
	if err != nil {
		return nil, unavailable("get product", err)
	}
	p := doc.toProduct()
	return &p, nil
}

func (s *MongoStore) ListProducts(ctx context.Context, f ProductFilter) ([]Product, error) {
	filter := bson.M{"deleted_at": nil}
	if f.Category != "" {
		filter["category"] = f.Category
	}
	if f.Search != "" {
		filter["name"] = primitive.Regex{Pattern: regexp.QuoteMeta(f.Search), Options: "i"}
	}
	if f.PromoOnly {
		filter["promo"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.products.Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable("list products", err)
	}
	var docs []productDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable("list products", err)
	}
	products := make([]Product, 0, len(docs))
	for _, d := range docs {
		products = append(products, d.toProduct())
	}
	return products, nil
}

func (s *MongoStore) ListCategories(ctx context.Context) ([]string, error) {
	values, err := s.products.Distinct(ctx, "category", notDeleted)
	if err != nil {
		return nil, unavailable("list categories", err)
	}
	categories := []string{}
	for _, v := range values {
		if c, ok := v.(string); ok && c != "" {
			categories = append(categories, c)
		}
	}
	sort.Strings(categories)
	return categories, nil
}

func (s *MongoStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.users.InsertOne(ctx, userDoc{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		CreatedAt:    u.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return unavailable("create user", err)
	}
	return nil
}

func (s *MongoStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.findUser(ctx, bson.M{"email": email})
}

func (s *MongoStore) findUser(ctx context.Context, filter bson.M) (*User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound("user")
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}
	u := doc.toUser()
	return &u, nil
}

func (s *MongoStore) ListUsers(ctx context.Context) ([]User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.users.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, unavailable("list users", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable("list users", err)
	}
	users := make([]User, 0, len(docs))
	for _, d := range docs {
		users = append(users, d.toUser())
	}
	return users, nil
}

func (s *MongoStore) SetUserRole(ctx context.Context, email string, role Role) error {
	res, err := s.users.UpdateOne(ctx, bson.M{"email": email}, bson.M{"$set": bson.M{"role": string(role)}})
	if err != nil {
		return unavailable("set role", err)
	}
	if res.MatchedCount == 0 {
		return notFound("user " + email)
	}
	return nil
}

func (s *MongoStore) PlaceOrder(ctx context.Context, o *Order) error {
	if err := checkLineQuantities(o); err != nil {
		return err
	}
	sess, err := s.client.StartSession()
	if err != nil {
		return unavailable("start session", err)
	}
	defer sess.EndSession(ctx)

	doc := toOrderDoc(o)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		for _, l := range o.Lines {
			res, err := s.products.UpdateOne(sc,
				bson.M{"_id": l.ProductID, "deleted_at": nil, "stock": bson.M{"$gte": l.Quantity}},
				bson.M{
					"$inc": bson.M{"stock": -l.Quantity},
					"$set": bson.M{"updated_at": o.CreatedAt},
				})
			if err != nil {
				return nil, err
			}
			if res.MatchedCount == 0 {
				return nil, fmt.Errorf("%w (product %s)", ErrInsufficientStock, l.ProductID)
			}
		}
		_, err := s.orders.InsertOne(sc, doc)
		return nil, err
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict):
		return err
	case mongo.IsDuplicateKeyError(err):
		return ErrDuplicateRequest
	default:
		return unavailable("place order", err)
	}
}

func (s *MongoStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.findOrder(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error) {
	return s.findOrder(ctx, bson.M{"user_id": userID, "idempotency_key": key})
}

func (s *MongoStore) findOrder(ctx context.Context, filter bson.M) (*Order, error) {
	var doc orderDoc
	err := s.orders.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound("order")
	}
	if err != nil {
		return nil, unavailable("get order", err)
	}
	o := doc.toOrder()
	return &o, nil
}

func (s *MongoStore) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	filter := bson.M{}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.Search != "" {
		re := primitive.Regex{Pattern: regexp.QuoteMeta(f.Search), Options: "i"}
		filter["$or"] = bson.A{
			bson.M{"_id": re},
			bson.M{"customer_name": re},
			bson.M{"customer_email": re},
		}
	}
	if !f.Since.IsZero() {
		filter["created_at"] = bson.M{"$gte": f.Since.UTC()}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.orders.Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable("list orders", err)
	}
	var docs []orderDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable("list orders", err)
	}
	orders := make([]Order, 0, len(docs))
	for _, d := range docs {
		orders = append(orders, d.toOrder())
	}
	return orders, nil
}

func (s *MongoStore) UpdateOrderStatus(ctx context.Context, id string, from, to OrderStatus, at time.Time) error {
	res, err := s.orders.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(from)},
		bson.M{"$set": bson.M{"status": string(to), "updated_at": at}})
	if err != nil {
		return unavailable("update order status", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	n, err := s.orders.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return unavailable("update order status", err)
	}
	if n == 0 {
		return notFound("order " + id)
	}
	return ErrStaleStatus
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toDecimal128(d decimal.Decimal) primitive.Decimal128 {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.NewDecimal128(0, 0)
	}
	return v
}

func fromDecimal128(v primitive.Decimal128) decimal.Decimal {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func toProductDoc(p *Product) productDoc {
	images := p.Images
	if images == nil {
		images = []string{}
	}
	return productDoc{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       toDecimal128(p.Price),
		Category:    p.Category,
		Stock:       p.Stock,
		Images:      images,
		Promo:       p.Promo,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func (d productDoc) toProduct() Product {
	images := d.Images
	if images == nil {
		images = []string{}
	}
	return Product{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Price:       fromDecimal128(d.Price),
		Category:    d.Category,
		Stock:       d.Stock,
		Images:      images,
		Promo:       d.Promo,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func (d userDoc) toUser() User {
	return User{
		ID:           d.ID,
		Name:         d.Name,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		Role:         Role(d.Role),
		CreatedAt:    d.CreatedAt,
	}
}

func toOrderDoc(o *Order) orderDoc {
	doc := orderDoc{
		ID:              o.ID,
		UserID:          o.UserID,
		CustomerName:    o.CustomerName,
		CustomerEmail:   o.CustomerEmail,
		Shipping:        o.Shipping,
		PaymentProofRef: o.PaymentProofRef,
		Total:           toDecimal128(o.Total),
		Status:          string(o.Status),
		IdempotencyKey:  o.IdempotencyKey,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, l := range o.Lines {
		doc.Lines = append(doc.Lines, orderLineDoc{
			ProductID: l.ProductID,
			Name:      l.Name,
			UnitPrice: toDecimal128(l.UnitPrice),
			Quantity:  l.Quantity,
			ImageRef:  l.ImageRef,
		})
	}
	return doc
}

func (d orderDoc) toOrder() Order {
	o := Order{
		ID:              d.ID,
		UserID:          d.UserID,
		CustomerName:    d.CustomerName,
		CustomerEmail:   d.CustomerEmail,
		Shipping:        d.Shipping,
		PaymentProofRef: d.PaymentProofRef,
		Total:           fromDecimal128(d.Total),
		Status:          OrderStatus(d.Status),
		IdempotencyKey:  d.IdempotencyKey,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		Lines:           make([]OrderLine, 0, len(d.Lines)),
	}
	for _, l := range d.Lines {
		o.Lines = append(o.Lines, OrderLine{
			ProductID: l.ProductID,
			Name:      l.Name,
			UnitPrice: fromDecimal128(l.UnitPrice),
			Quantity:  l.Quantity,
			ImageRef:  l.ImageRef,
		})
	}
	return o
}
