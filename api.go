package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	sessionCookie = "session"
	cartCookie    = "cart_id"
	maxJSONBody   = 1 << 20
)

type Services struct {
	Auth    *AuthService
	Catalog *CatalogService
	Orders  *OrderService
	Admin   *AdminService
	Carts   CartStore
	Files   FileStorage
	Metrics *Metrics
}

type ServerOptions struct {
	CORSOrigin     string
	CookieSecure   bool
	SessionTTL     time.Duration
	CartTTL        time.Duration
	RequestTimeout time.Duration
	MaxUploadBytes int64
}

type APIServer struct {
	listenAddr string
	store      Storage
	svc        Services
	opts       ServerOptions
	server     *http.Server
}

func NewAPIServer(listenAddr string, store Storage, svc Services, opts ServerOptions) *APIServer {
	return &APIServer{
		listenAddr: listenAddr,
		store:      store,
		svc:        svc,
		opts:       opts,
	}
}

func (s *APIServer) Run() error {
	s.server = &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("JSON API server running", "addr", s.listenAddr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.makeHTTPHandleFunc(s.handleHealth))
	mux.Handle("GET /metrics", s.svc.Metrics.Handler())

	mux.HandleFunc("POST /register", s.makeHTTPHandleFunc(s.handleRegister))
	mux.HandleFunc("POST /login", s.makeHTTPHandleFunc(s.handleLogin))
	mux.HandleFunc("POST /logout", s.makeHTTPHandleFunc(s.handleLogout))
	mux.HandleFunc("GET /me", s.makeHTTPHandleFunc(s.withJWTauth(s.handleMe)))

	mux.HandleFunc("GET /products", s.makeHTTPHandleFunc(s.handleProducts))
	mux.HandleFunc("GET /products/{id}", s.makeHTTPHandleFunc(s.handleProductByID))
	mux.HandleFunc("GET /categories", s.makeHTTPHandleFunc(s.handleCategories))
	mux.HandleFunc("GET /images/{ref}", s.makeHTTPHandleFunc(s.handleImage))

	mux.HandleFunc("GET /cart", s.makeHTTPHandleFunc(s.handleCart))
	mux.HandleFunc("DELETE /cart", s.makeHTTPHandleFunc(s.handleClearCart))
	mux.HandleFunc("POST /cart/items", s.makeHTTPHandleFunc(s.handleAddToCart))
	mux.HandleFunc("PUT /cart/items/{id}", s.makeHTTPHandleFunc(s.handleSetCartQuantity))
	mux.HandleFunc("DELETE /cart/items/{id}", s.makeHTTPHandleFunc(s.handleRemoveFromCart))
	mux.HandleFunc("POST /cart/checkout", s.makeHTTPHandleFunc(s.withJWTauth(s.handleCheckout)))

	mux.HandleFunc("POST /orders", s.makeHTTPHandleFunc(s.withJWTauth(s.handleCreateOrder)))
	mux.HandleFunc("GET /orders", s.makeHTTPHandleFunc(s.withJWTauth(s.handleListOrders)))
	mux.HandleFunc("GET /orders/{id}", s.makeHTTPHandleFunc(s.withJWTauth(s.handleGetOrder)))
	mux.HandleFunc("GET /orders/{id}/proof", s.makeHTTPHandleFunc(s.withJWTauth(s.handleOrderProof)))

	mux.HandleFunc("GET /admin/orders", s.makeHTTPHandleFunc(s.withJWTauthAdmin(s.handleAdminListOrders)))
	mux.HandleFunc("GET /admin/orders/{id}", s.makeHTTPHandleFunc(s.withJWTauthAdmin(s.handleAdminGetOrder)))
	mux.HandleFunc("PATCH /admin/orders/{id}/status", s.makeHTTPHandleFunc(s.withJWTauthAdmin(s.handleAdminUpdateStatus)))
	mux.HandleFunc("GET /admin/orders/{id}/proof", s.makeHTTPHandleFunc(s.withJWTauthAdmin(s.handleOrderProof)))
	mux.HandleFunc("GET /admin/stats", s.makeHTTPHandleFunc(s.withJWTauthAdmin(s.handleAdminStats)))
	mux.HandleFunc("GET /admin/revenue", s.makeHTTPHandleFunc(s.withJWTauthAdmin(s.handleAdminRevenue)))
	mux.HandleFunc("GET /admin/top-products", s.makeHTTPHandleFunc(s.withJWTauthAdmin(s.handleAdminTopProducts)))
	mux.HandleFunc("GET /admin/users", s.makeHTTPHandleFunc(s.withJWTauthAdmin(s.handleAdminUsers)))
	mux.HandleFunc("POST /admin/products", s.makeHTTPHandleFunc(s.withJWTauthAdmin(s.handleAdminCreateProduct)))
	mux.HandleFunc("PUT /admin/products/{id}", s.makeHTTPHandleFunc(s.withJWTauthAdmin(s.handleAdminUpdateProduct)))
	mux.HandleFunc("DELETE /admin/products/{id}", s.makeHTTPHandleFunc(s.withJWTauthAdmin(s.handleAdminDeleteProduct)))
	mux.HandleFunc("POST /admin/images", s.makeHTTPHandleFunc(s.withJWTauthAdmin(s.handleAdminUploadImage)))

	return s.enableCors(s.authenticate(mux))
}

type APIfunc func(http.ResponseWriter, *http.Request) error

type ApiError struct {
	Error string `json:"error"`
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// makeHTTPHandleFunc adapts an APIfunc: it bounds the request with a timeout,
// turns a returned error into a JSON error response, and records the request.
func (s *APIServer) makeHTTPHandleFunc(f APIfunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if s.opts.RequestTimeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
			defer cancel()
			r = r.WithContext(ctx)
		}

		if err := f(rec, r); err != nil {
			status, msg := errorResponse(err)
			if status >= http.StatusInternalServerError {
				slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
			}
			WriteJSON(rec, status, ApiError{Error: msg})
		}

		took := time.Since(start)
		s.svc.Metrics.observeRequest(r.Pattern, rec.status, took)
		slog.Info("request",
			"method", r.Method,
			"route", r.Pattern,
			"status", rec.status,
			"duration_ms", took.Milliseconds(),
		)
	}
}

func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "service unavailable, retry"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v); err != nil {
		return validationError("invalid JSON body")
	}
	return nil
}

func (s *APIServer) enableCors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.opts.CORSOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Authorization, Authorization, Idempotency-Key")
		if s.opts.CORSOrigin != "*" {
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate attaches the identity of a valid session token to the request.
// Requests without one, or with an invalid one, continue anonymously.
func (s *APIServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := tokenFromRequest(r); token != "" {
			if id, err := s.svc.Auth.ParseJWT(token); err == nil {
				r = r.WithContext(withIdentity(r.Context(), id))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if t := r.Header.Get("X-Authorization"); t != "" {
		return t
	}
	if t, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}

func (s *APIServer) withJWTauth(f APIfunc) APIfunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		if currentIdentity(r.Context()).UserID == "" {
			return ErrUnauthorized
		}
		return f(w, r)
	}
}

// withJWTauthAdmin re-reads the caller from storage so the role check never
// trusts the token alone.
func (s *APIServer) withJWTauthAdmin(f APIfunc) APIfunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		id := currentIdentity(r.Context())
		if id.UserID == "" {
			return ErrUnauthorized
		}
		fresh, err := s.svc.Auth.Reload(r.Context(), id)
		if err != nil {
			return err
		}
		if !fresh.IsAdmin() {
			return ErrForbidden
		}
		return f(w, r.WithContext(withIdentity(r.Context(), fresh)))
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if err := s.store.Ping(r.Context()); err != nil {
		return unavailable("ping storage", err)
	}
	return WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerReq struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *APIServer) handleRegister(w http.ResponseWriter, r *http.Request) error {
	var req registerReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	u, err := s.svc.Auth.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusCreated, u)
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResp struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}

func (s *APIServer) handleLogin(w http.ResponseWriter, r *http.Request) error {
	var req loginReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	token, u, err := s.svc.Auth.Login(r.Context(), clientIP(r), req.Email, req.Password)
	if err != nil {
		return err
	}
	expires := time.Now().Add(s.opts.SessionTTL)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return WriteJSON(w, http.StatusOK, loginResp{Token: token, ExpiresAt: expires.UTC(), User: u})
}

func (s *APIServer) handleLogout(w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return WriteJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *APIServer) handleMe(w http.ResponseWriter, r *http.Request) error {
	id, err := s.svc.Auth.Reload(r.Context(), currentIdentity(r.Context()))
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, id)
}

func (s *APIServer) handleProducts(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	promo, _ := strconv.ParseBool(q.Get("promo"))
	products, err := s.svc.Catalog.ListProducts(r.Context(), ProductFilter{
		Category:  q.Get("category"),
		Search:    q.Get("q"),
		PromoOnly: promo,
	})
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, products)
}

func (s *APIServer) handleProductByID(w http.ResponseWriter, r *http.Request) error {
	p, err := s.svc.Catalog.GetProduct(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, p)
}

func (s *APIServer) handleCategories(w http.ResponseWriter, r *http.Request) error {
	categories, err := s.svc.Catalog.ListCategories(r.Context())
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, categories)
}

func (s *APIServer) handleImage(w http.ResponseWriter, r *http.Request) error {
	ref := r.PathValue("ref")
	f, contentType, err := s.svc.Files.Open(BucketImages, ref)
	if err != nil {
		return err
	}
	defer f.Close()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeContent(w, r, ref, time.Time{}, f)
	return nil
}

type cartView struct {
	Items       []CartItem       `json:"items"`
	Total       decimal.Decimal  `json:"total"`
	Count       int              `json:"count"`
	Clamped     bool             `json:"clamped,omitempty"`
	Adjustments []CartAdjustment `json:"adjustments,omitempty"`
}

func newCartView(c *Cart) cartView {
	items := c.Items
	if items == nil {
		items = []CartItem{}
	}
	return cartView{Items: items, Total: c.Total(), Count: c.Count()}
}

// cartID returns the caller's cart id, issuing a new cookie when create is set
// and the request carries none.
func (s *APIServer) cartID(w http.ResponseWriter, r *http.Request, create bool) string {
	if c, err := r.Cookie(cartCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}
	if !create {
		return ""
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     cartCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.opts.CartTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (s *APIServer) loadCart(ctx context.Context, id string) (*Cart, error) {
	if id == "" {
		return &Cart{}, nil
	}
	return s.svc.Carts.Load(ctx, id)
}

// handleCart reconciles the stored cart with the catalog before showing it.
func (s *APIServer) handleCart(w http.ResponseWriter, r *http.Request) error {
	id := s.cartID(w, r, false)
	cart, err := s.loadCart(r.Context(), id)
	if err != nil {
		return err
	}
	var adjustments []CartAdjustment
	if !cart.IsEmpty() {
		products, err := s.svc.Catalog.Snapshots(r.Context(), cart.ProductIDs())
		if err != nil {
			return err
		}
		adjustments = cart.Refresh(products)
		if err := s.svc.Carts.Save(r.Context(), id, cart); err != nil {
			return err
		}
	}
	view := newCartView(cart)
	view.Adjustments = adjustments
	return WriteJSON(w, http.StatusOK, view)
}

func (s *APIServer) handleClearCart(w http.ResponseWriter, r *http.Request) error {
	if id := s.cartID(w, r, false); id != "" {
		if err := s.svc.Carts.Delete(r.Context(), id); err != nil {
			return err
		}
	}
	return WriteJSON(w, http.StatusOK, newCartView(&Cart{}))
}

type cartItemReq struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (s *APIServer) handleAddToCart(w http.ResponseWriter, r *http.Request) error {
	var req cartItemReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	p, err := s.svc.Catalog.GetProduct(r.Context(), req.ProductID)
	if err != nil {
		return err
	}
	id := s.cartID(w, r, true)
	cart, err := s.loadCart(r.Context(), id)
	if err != nil {
		return err
	}
	clamped := cart.AddItem(*p, req.Quantity)
	if err := s.svc.Carts.Save(r.Context(), id, cart); err != nil {
		return err
	}
	view := newCartView(cart)
	view.Clamped = clamped
	return WriteJSON(w, http.StatusOK, view)
}

func (s *APIServer) handleSetCartQuantity(w http.ResponseWriter, r *http.Request) error {
	var req cartItemReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	id := s.cartID(w, r, false)
	cart, err := s.loadCart(r.Context(), id)
	if err != nil {
		return err
	}
	clamped := cart.SetQuantity(r.PathValue("id"), req.Quantity)
	if id != "" {
		if err := s.svc.Carts.Save(r.Context(), id, cart); err != nil {
			return err
		}
	}
	view := newCartView(cart)
	view.Clamped = clamped
	return WriteJSON(w, http.StatusOK, view)
}

func (s *APIServer) handleRemoveFromCart(w http.ResponseWriter, r *http.Request) error {
	id := s.cartID(w, r, false)
	cart, err := s.loadCart(r.Context(), id)
	if err != nil {
		return err
	}
	cart.RemoveItem(r.PathValue("id"))
	if id != "" {
		if err := s.svc.Carts.Save(r.Context(), id, cart); err != nil {
			return err
		}
	}
	return WriteJSON(w, http.StatusOK, newCartView(cart))
}

// parseOrderForm reads the multipart checkout form. The returned closer must
// be called once the proof has been consumed.
func (s *APIServer) parseOrderForm(w http.ResponseWriter, r *http.Request) (ShippingAddress, *Upload, func(), error) {
	noop := func() {}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+maxJSONBody)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes + maxJSONBody); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ShippingAddress{}, nil, noop, validationError("upload exceeds %d bytes", s.opts.MaxUploadBytes)
		}
		return ShippingAddress{}, nil, noop, validationError("invalid multipart form")
	}
	shipping := ShippingAddress{
		FullName:   r.FormValue("full_name"),
		Phone:      r.FormValue("phone"),
		Street:     r.FormValue("street"),
		City:       r.FormValue("city"),
		PostalCode: r.FormValue("postal_code"),
		Country:    r.FormValue("country"),
	}
	file, header, err := r.FormFile("payment_proof")
	if errors.Is(err, http.ErrMissingFile) {
		return shipping, nil, noop, nil
	}
	if err != nil {
		return ShippingAddress{}, nil, noop, validationError("invalid payment proof")
	}
	return shipping, &Upload{Filename: header.Filename, Body: file}, func() { file.Close() }, nil
}

func (s *APIServer) handleCreateOrder(w http.ResponseWriter, r *http.Request) error {
	shipping, proof, done, err := s.parseOrderForm(w, r)
	if err != nil {
		return err
	}
	defer done()

	var items []CheckoutReq
	if raw := r.FormValue("items"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return validationError("items must be a JSON array of {product_id, quantity}")
		}
	}
	order, err := s.svc.Orders.Create(r.Context(), currentIdentity(r.Context()), CreateOrderRequest{
		Items:          items,
		Shipping:       shipping,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}, proof)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusCreated, order)
}

// handleCheckout turns the session cart into an order and empties the cart.
func (s *APIServer) handleCheckout(w http.ResponseWriter, r *http.Request) error {
	shipping, proof, done, err := s.parseOrderForm(w, r)
	if err != nil {
		return err
	}
	defer done()

	id := s.cartID(w, r, false)
	cart, err := s.loadCart(r.Context(), id)
	if err != nil {
		return err
	}
	order, err := s.svc.Orders.Create(r.Context(), currentIdentity(r.Context()), CreateOrderRequest{
		Items:          cart.Lines(),
		Shipping:       shipping,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}, proof)
	if err != nil {
		return err
	}
	if id != "" {
		if err := s.svc.Carts.Delete(r.Context(), id); err != nil {
			slog.Warn("failed to clear cart after checkout", "order_id", order.ID, "err", err)
		}
	}
	return WriteJSON(w, http.StatusCreated, order)
}

func (s *APIServer) handleListOrders(w http.ResponseWriter, r *http.Request) error {
	orders, err := s.svc.Orders.ListForUser(r.Context(), currentIdentity(r.Context()))
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, orders)
}

func (s *APIServer) handleGetOrder(w http.ResponseWriter, r *http.Request) error {
	order, err := s.svc.Orders.Get(r.Context(), currentIdentity(r.Context()), r.PathValue("id"))
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, order)
}

func (s *APIServer) handleOrderProof(w http.ResponseWriter, r *http.Request) error {
	f, contentType, order, err := s.svc.Orders.OpenProof(r.Context(), currentIdentity(r.Context()), r.PathValue("id"))
	if err != nil {
		return err
	}
	defer f.Close()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, order.PaymentProofRef, order.CreatedAt, f)
	return nil
}

func (s *APIServer) handleAdminListOrders(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	orders, err := s.svc.Admin.ListOrders(r.Context(), currentIdentity(r.Context()), OrderFilter{
		Status: OrderStatus(q.Get("status")),
		Search: q.Get("q"),
	})
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, orders)
}

func (s *APIServer) handleAdminGetOrder(w http.ResponseWriter, r *http.Request) error {
	order, err := s.svc.Admin.GetOrder(r.Context(), currentIdentity(r.Context()), r.PathValue("id"))
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, order)
}

type statusReq struct {
	Status string `json:"status"`
}

func (s *APIServer) handleAdminUpdateStatus(w http.ResponseWriter, r *http.Request) error {
	var req statusReq
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	order, err := s.svc.Admin.UpdateStatus(r.Context(), currentIdentity(r.Context()), r.PathValue("id"), req.Status)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, order)
}

func (s *APIServer) handleAdminStats(w http.ResponseWriter, r *http.Request) error {
	stats, err := s.svc.Admin.Stats(r.Context(), currentIdentity(r.Context()))
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, stats)
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, validationError("%s must be an integer", key)
	}
	return n, nil
}

func (s *APIServer) handleAdminRevenue(w http.ResponseWriter, r *http.Request) error {
	days, err := intQuery(r, "days", 7)
	if err != nil {
		return err
	}
	buckets, err := s.svc.Admin.AggregateRevenue(r.Context(), currentIdentity(r.Context()), days)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, buckets)
}

func (s *APIServer) handleAdminTopProducts(w http.ResponseWriter, r *http.Request) error {
	limit, err := intQuery(r, "limit", 10)
	if err != nil {
		return err
	}
	top, err := s.svc.Admin.TopProducts(r.Context(), currentIdentity(r.Context()), limit)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, top)
}

func (s *APIServer) handleAdminUsers(w http.ResponseWriter, r *http.Request) error {
	users, err := s.svc.Admin.ListUsers(r.Context(), currentIdentity(r.Context()))
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, users)
}

func (s *APIServer) handleAdminCreateProduct(w http.ResponseWriter, r *http.Request) error {
	var req ReqProduct
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	p, err := s.svc.Catalog.CreateProduct(r.Context(), currentIdentity(r.Context()), req)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusCreated, p)
}

func (s *APIServer) handleAdminUpdateProduct(w http.ResponseWriter, r *http.Request) error {
	var req ReqProduct
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	p, err := s.svc.Catalog.UpdateProduct(r.Context(), currentIdentity(r.Context()), r.PathValue("id"), req)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, p)
}

func (s *APIServer) handleAdminDeleteProduct(w http.ResponseWriter, r *http.Request) error {
	if err := s.svc.Catalog.DeleteProduct(r.Context(), currentIdentity(r.Context()), r.PathValue("id")); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *APIServer) handleAdminUploadImage(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+maxJSONBody)
	file, header, err := r.FormFile("image")
	if err != nil {
		return validationError("multipart field image is required")
	}
	defer file.Close()
	ref, err := s.svc.Files.Save(r.Context(), BucketImages, Upload{Filename: header.Filename, Body: file})
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusCreated, map[string]string{"ref": ref, "url": "/images/" + ref})
}
