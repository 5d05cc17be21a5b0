package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/cache"
	"storefront/internal/idempotency"
	"storefront/internal/inventory"
	"storefront/internal/models"
	"storefront/internal/orders"
	"storefront/internal/pipeline"
	"storefront/internal/storage"
)

const testSecret = "api-test-secret-0123456789abcdef0123"

// testAPI is the full router wired to in-memory collaborators.
type testAPI struct {
	router   http.Handler
	store    *storage.MemoryStorage
	stock    *inventory.Service
	security *pipeline.Pipeline
	config   *models.Config
	clock    *clock.Mock
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	cfg := models.NewDefaultConfig()
	cfg.Security.JWT.Secret = testSecret
	cfg.Security.OAuth2.AdminEmails = []string{"admin@example.com"}
	cfg.Security.OAuth2.StaffEmails = []string{"staff@example.com"}

	store := storage.NewMemoryStorage(storage.WithClock(mock))
	products := cache.NewProductCache(cfg.Cache, mock)
	locks := inventory.NewLockTable(inventory.LockTableOptions{Timeout: time.Second})
	t.Cleanup(locks.Close)
	stock := inventory.NewService(store, locks, products)
	catalog := inventory.NewCatalog(store, stock, products)
	orderService := orders.NewService(store, stock, mock)

	security, err := pipeline.New(cfg.Security, pipeline.Options{
		Users:       store,
		Clock:       mock,
		PublicPaths: PublicPaths,
		LogoutPath:  LogoutPath,
	})
	require.NoError(t, err)
	t.Cleanup(func() { security.Close() })

	h := NewHandlers(stock, catalog, orderService,
		WithUsers(store),
		WithStorage(store),
		WithSecurity(security),
		WithClock(mock),
	)
	return &testAPI{
		router:   SetupRoutes(h, security),
		store:    store,
		stock:    stock,
		security: security,
		config:   cfg,
		clock:    mock,
	}
}

func (a *testAPI) do(method, path, body, token string) *httptest.ResponseRecorder {
	return a.doWithKey(method, path, body, token, "")
}

func (a *testAPI) doWithKey(method, path, body, token, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "198.51.100.20:4040"
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key != "" {
		req.Header.Set(idempotency.HeaderKey, key)
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func (a *testAPI) login(t *testing.T, email string) string {
	t.Helper()
	rr := a.do(http.MethodPost, LoginPath, fmt.Sprintf(`{"email":%q}`, email), "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp models.AuthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func (a *testAPI) product(t *testing.T, quantity int) int64 {
	t.Helper()
	p := &models.Product{Name: "Teapot", PriceCents: 1999}
	require.NoError(t, a.store.SaveProduct(context.Background(), p))
	if quantity > 0 {
		_, err := a.stock.Adjust(context.Background(), p.ID, quantity)
		require.NoError(t, err)
	}
	return p.ID
}

func (a *testAPI) quantity(t *testing.T, productID int64) int {
	t.Helper()
	inv, err := a.store.GetInventory(context.Background(), productID)
	require.NoError(t, err)
	return inv.Quantity
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "error", resp.Status)
	return resp
}

func TestHealthCheck(t *testing.T) {
	a := newTestAPI(t)

	for _, path := range []string{"/health", "/api/v1/health"} {
		t.Run(path, func(t *testing.T) {
			rr := a.do(http.MethodGet, path, "", "")
			require.Equal(t, http.StatusOK, rr.Code)

			var resp models.HealthCheckResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, models.StatusHealthy, resp.Status)
			assert.Equal(t, models.StatusHealthy, resp.Components["storage"].Status)
			assert.Equal(t, a.clock.Now().UTC(), resp.Timestamp)
		})
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthCheck_StorageDown(t *testing.T) {
	h := NewHandlers(nil, nil, nil, WithStorage(failingPinger{}))

	rr := httptest.NewRecorder()
	h.HealthCheck(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var resp models.HealthCheckResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, models.StatusUnhealthy, resp.Status)
	assert.Equal(t, "Storage is unreachable", resp.Components["storage"].Message)
	assert.NotContains(t, rr.Body.String(), "connection refused")
}

func TestLogin(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	tests := []struct {
		email string
		role  models.Role
	}{
		{"jane.doe@example.com", models.RoleCustomer},
		{"admin@example.com", models.RoleAdmin},
		{"Staff@Example.com", models.RoleStaff},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			token := a.login(t, tt.email)

			claims, err := a.security.Tokens.Parse(token)
			require.NoError(t, err)
			assert.Equal(t, tt.role, claims.Identity().Role)

			user, err := a.store.GetUserByEmail(ctx, tt.email)
			require.NoError(t, err)
			assert.Equal(t, tt.role, user.Role)
			assert.Equal(t, a.clock.Now().UTC(), user.LastLogin)
		})
	}

	t.Run("repeat login keeps the account", func(t *testing.T) {
		first, err := a.store.GetUserByEmail(ctx, "jane.doe@example.com")
		require.NoError(t, err)

		a.clock.Add(time.Minute)
		a.login(t, "jane.doe@example.com")

		again, err := a.store.GetUserByEmail(ctx, "jane.doe@example.com")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, "Jane Doe", again.FullName)
		assert.True(t, again.LastLogin.After(first.LastLogin))
	})
}

func TestLogin_Rejections(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"email":`, http.StatusBadRequest},
		{"missing email", `{}`, http.StatusUnprocessableEntity},
		{"not an email", `{"email":"nobody"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(http.MethodPost, LoginPath, tt.body, "")
			assert.Equal(t, tt.status, rr.Code)
			decodeError(t, rr)
		})
	}
}

func TestLogout_RevokesToken(t *testing.T) {
	a := newTestAPI(t)
	token := a.login(t, "shopper@example.com")

	rr := a.do(http.MethodGet, "/api/v1/orders/missing", "", token)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(http.MethodPost, LogoutPath, "", token)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = a.do(http.MethodGet, "/api/v1/orders/missing", "", token)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, models.MessageTokenRevoked, decodeError(t, rr).Message)
}

func TestLogout_AcceptsExpiredToken(t *testing.T) {
	a := newTestAPI(t)
	token := a.login(t, "shopper@example.com")

	a.clock.Add(a.config.Security.JWT.Expiration + time.Minute)

	rr := a.do(http.MethodGet, "/api/v1/orders/missing", "", token)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, models.MessageTokenExpired, decodeError(t, rr).Message)

	rr = a.do(http.MethodPost, LogoutPath, "", token)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestLogout_RequiresToken(t *testing.T) {
	a := newTestAPI(t)

	rr := a.do(http.MethodPost, LogoutPath, "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, models.MessageAuthRequired, decodeError(t, rr).Message)
}

func (a *testAPI) loginPair(t *testing.T, email string) models.AuthResponse {
	t.Helper()
	rr := a.do(http.MethodPost, LoginPath, fmt.Sprintf(`{"email":%q}`, email), "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp models.AuthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.NotEmpty(t, resp.RefreshToken)
	require.NotNil(t, resp.RefreshExpiresAt)
	return resp
}

func (a *testAPI) refresh(refreshToken string) *httptest.ResponseRecorder {
	return a.do(http.MethodPost, RefreshPath, fmt.Sprintf(`{"refresh_token":%q}`, refreshToken), "")
}

func TestRefresh_RotatesTokenPair(t *testing.T) {
	a := newTestAPI(t)
	login := a.loginPair(t, "shopper@example.com")
	assert.Equal(t, a.clock.Now().Add(a.config.Security.JWT.RefreshExpiration), *login.RefreshExpiresAt)

	a.clock.Add(time.Minute)
	rr := a.refresh(login.RefreshToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var rotated models.AuthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rotated))
	assert.NotEqual(t, login.AccessToken, rotated.AccessToken)
	assert.NotEqual(t, login.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, a.clock.Now().Add(a.config.Security.JWT.Expiration), rotated.ExpiresAt)

	// The new access token works and the refresh token does not.
	rr = a.do(http.MethodGet, "/api/v1/orders/missing", "", rotated.AccessToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = a.do(http.MethodGet, "/api/v1/orders/missing", "", rotated.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// The spent refresh token is refused, and replaying it ends the session.
	rr = a.refresh(login.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, models.MessageTokenRevoked, decodeError(t, rr).Message)

	rr = a.refresh(rotated.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, models.MessageTokenRevoked, decodeError(t, rr).Message)
}

func TestRefresh_PicksUpRoleChanges(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	login := a.loginPair(t, "clerk@example.com")

	user, err := a.store.GetUserByEmail(ctx, "clerk@example.com")
	require.NoError(t, err)
	user.Role = models.RoleStaff
	require.NoError(t, a.store.SaveUser(ctx, user))

	rr := a.refresh(login.RefreshToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var rotated models.AuthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rotated))

	claims, err := a.security.Tokens.Parse(rotated.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, models.RoleStaff, claims.Identity().Role)
}

func TestRefresh_Rejections(t *testing.T) {
	a := newTestAPI(t)
	access := a.login(t, "shopper@example.com")

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"malformed json", `{"refresh_token":`, http.StatusBadRequest, "Invalid JSON body"},
		{"missing token", `{}`, http.StatusBadRequest, models.MessageRefreshRequired},
		{"garbage token", `{"refresh_token":"not.a.jwt"}`, http.StatusUnauthorized, models.MessageInvalidToken},
		{"access token", fmt.Sprintf(`{"refresh_token":%q}`, access), http.StatusUnauthorized, models.MessageInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(http.MethodPost, RefreshPath, tt.body, "")
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.message, decodeError(t, rr).Message)
		})
	}

	t.Run("expired token", func(t *testing.T) {
		login := a.loginPair(t, "late@example.com")
		a.clock.Add(a.config.Security.JWT.RefreshExpiration)

		rr := a.refresh(login.RefreshToken)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, models.MessageTokenExpired, decodeError(t, rr).Message)
	})
}

func TestLogout_EndsRefreshSession(t *testing.T) {
	a := newTestAPI(t)
	login := a.loginPair(t, "shopper@example.com")

	rr := a.do(http.MethodPost, LogoutPath, "", login.AccessToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = a.refresh(login.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, models.MessageTokenRevoked, decodeError(t, rr).Message)
}

func TestLogout_RevokesRefreshTokenInBody(t *testing.T) {
	a := newTestAPI(t)
	first := a.loginPair(t, "shopper@example.com")
	second := a.loginPair(t, "shopper@example.com")

	// Log out of the second session while handing in the first one's
	// refresh token.
	body := fmt.Sprintf(`{"refresh_token":%q}`, first.RefreshToken)
	rr := a.do(http.MethodPost, LogoutPath, body, second.AccessToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, http.StatusUnauthorized, a.refresh(first.RefreshToken).Code)
	assert.Equal(t, http.StatusUnauthorized, a.refresh(second.RefreshToken).Code)

	rr = a.do(http.MethodPost, LogoutPath, `{"refresh_token":`, first.AccessToken)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestInventory(t *testing.T) {
	a := newTestAPI(t)
	productID := a.product(t, 0)
	path := fmt.Sprintf("/api/v1/inventory/%d", productID)
	admin := a.login(t, "admin@example.com")
	staff := a.login(t, "staff@example.com")
	customer := a.login(t, "customer@example.com")

	t.Run("missing row reads as zero", func(t *testing.T) {
		rr := a.do(http.MethodGet, path, "", "")
		require.Equal(t, http.StatusOK, rr.Code)

		var inv models.Inventory
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&inv))
		assert.Equal(t, 0, inv.Quantity)
		assert.Equal(t, "Out of stock", inv.Status)
	})

	tests := []struct {
		name   string
		token  string
		body   string
		status int
		label  string
	}{
		{"staff sets stock", staff, `{"quantity":12}`, http.StatusOK, "Few units in stock"},
		{"admin sets stock", admin, `{"quantity":1}`, http.StatusOK, "1 unit in stock"},
		{"customer is forbidden", customer, `{"quantity":50}`, http.StatusForbidden, ""},
		{"anonymous is unauthorized", "", `{"quantity":50}`, http.StatusUnauthorized, ""},
		{"negative quantity", admin, `{"quantity":-1}`, http.StatusUnprocessableEntity, ""},
		{"missing quantity", admin, `{}`, http.StatusUnprocessableEntity, ""},
		{"malformed body", admin, `quantity=3`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(http.MethodPut, path, tt.body, tt.token)
			require.Equal(t, tt.status, rr.Code, rr.Body.String())
			if tt.label == "" {
				decodeError(t, rr)
				return
			}
			var inv models.Inventory
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&inv))
			assert.Equal(t, tt.label, inv.Status)
		})
	}

	assert.Equal(t, 1, a.quantity(t, productID))
}

func TestInventory_BadProduct(t *testing.T) {
	a := newTestAPI(t)
	admin := a.login(t, "admin@example.com")

	rr := a.do(http.MethodGet, "/api/v1/inventory/404", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Product not found", decodeError(t, rr).Message)

	rr = a.do(http.MethodPut, "/api/v1/inventory/404", `{"quantity":3}`, admin)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(http.MethodGet, "/api/v1/inventory/teapot", "", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Invalid product id", decodeError(t, rr).Message)
}

func TestProducts_ReflectInventoryChanges(t *testing.T) {
	a := newTestAPI(t)
	productID := a.product(t, 30)
	path := fmt.Sprintf("/api/v1/products/%d", productID)
	admin := a.login(t, "admin@example.com")

	read := func() models.ProductView {
		rr := a.do(http.MethodGet, path, "", "")
		require.Equal(t, http.StatusOK, rr.Code)
		var view models.ProductView
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&view))
		return view
	}

	view := read()
	assert.Equal(t, "Teapot", view.Name)
	assert.Equal(t, 30, view.Quantity)
	assert.Equal(t, "In stock", view.StockStatus)

	rr := a.do(http.MethodPut, fmt.Sprintf("/api/v1/inventory/%d", productID), `{"quantity":4}`, admin)
	require.Equal(t, http.StatusOK, rr.Code)

	view = read()
	assert.Equal(t, 4, view.Quantity)
	assert.Equal(t, "4 units in stock", view.StockStatus)

	rr = a.do(http.MethodGet, "/api/v1/products", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var views []models.ProductView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&views))
	require.Len(t, views, 1)
	assert.Equal(t, 4, views[0].Quantity)

	rr = a.do(http.MethodGet, "/api/v1/products/999", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOrders_Lifecycle(t *testing.T) {
	a := newTestAPI(t)
	productID := a.product(t, 5)
	owner := a.login(t, "owner@example.com")
	stranger := a.login(t, "stranger@example.com")
	staff := a.login(t, "staff@example.com")

	rr := a.do(http.MethodPost, "/api/v1/orders", fmt.Sprintf(`{"productId":%d,"quantity":3}`, productID), owner)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var order models.Order
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&order))
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, 2, a.quantity(t, productID))

	orderPath := "/api/v1/orders/" + order.ID

	rr = a.do(http.MethodGet, orderPath, "", owner)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = a.do(http.MethodGet, orderPath, "", staff)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = a.do(http.MethodGet, orderPath, "", stranger)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(http.MethodPost, orderPath+"/cancel", "", stranger)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, 2, a.quantity(t, productID))

	rr = a.do(http.MethodPost, orderPath+"/cancel", "", owner)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var cancelled models.Order
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&cancelled))
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, a.quantity(t, productID))

	rr = a.do(http.MethodPost, orderPath+"/cancel", "", owner)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, 5, a.quantity(t, productID))
}

func TestOrders_Rejections(t *testing.T) {
	a := newTestAPI(t)
	productID := a.product(t, 2)
	token := a.login(t, "owner@example.com")

	tests := []struct {
		name    string
		token   string
		body    string
		status  int
		message string
	}{
		{"anonymous", "", fmt.Sprintf(`{"productId":%d,"quantity":1}`, productID), http.StatusUnauthorized, models.MessageAuthRequired},
		{"malformed body", token, `{"productId":`, http.StatusBadRequest, "Invalid JSON body"},
		{"no items", token, `{}`, http.StatusUnprocessableEntity, "order must contain at least one item"},
		{"insufficient stock", token, fmt.Sprintf(`{"productId":%d,"quantity":3}`, productID), http.StatusConflict, "insufficient stock for one or more items"},
		{"unknown product", token, `{"productId":999,"quantity":1}`, http.StatusNotFound, "product not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(http.MethodPost, "/api/v1/orders", tt.body, tt.token)
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.message, decodeError(t, rr).Message)
		})
	}

	assert.Equal(t, 2, a.quantity(t, productID))
}

func TestOrders_IdempotentRetryReplays(t *testing.T) {
	a := newTestAPI(t)
	productID := a.product(t, 10)
	token := a.login(t, "owner@example.com")
	body := fmt.Sprintf(`{"productId":%d,"quantity":4}`, productID)

	first := a.doWithKey(http.MethodPost, "/api/v1/orders", body, token, "order-42")
	require.Equal(t, http.StatusCreated, first.Code)

	second := a.doWithKey(http.MethodPost, "/api/v1/orders", body, token, "order-42")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(idempotency.ReplayedHeader))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 6, a.quantity(t, productID))

	conflict := a.doWithKey(http.MethodPost, "/api/v1/orders",
		fmt.Sprintf(`{"productId":%d,"quantity":1}`, productID), token, "order-42")
	assert.Equal(t, http.StatusBadRequest, conflict.Code)
	assert.Equal(t, models.MessageIdempotencyConflict, decodeError(t, conflict).Message)
	assert.Equal(t, 6, a.quantity(t, productID))
}

func TestRouter_UnknownRoutes(t *testing.T) {
	a := newTestAPI(t)

	rr := a.do(http.MethodDelete, "/api/v1/orders", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "Method not allowed", decodeError(t, rr).Message)

	rr = a.do(http.MethodGet, "/api/v1/carts", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	decodeError(t, rr)
}

func TestRouter_UnknownRoutesAreRateLimited(t *testing.T) {
	a := newTestAPI(t)
	capacity := a.config.Security.RateLimit.Capacity

	for i := 0; i < capacity; i++ {
		rr := a.do(http.MethodGet, "/api/v1/nope", "", "")
		require.Equal(t, http.StatusNotFound, rr.Code, "request %d", i+1)
		assert.NotEmpty(t, rr.Header().Get("X-RateLimit-Remaining"))
	}

	rr := a.do(http.MethodGet, "/api/v1/nope", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	// Wrong methods on real routes share the same bucket.
	rr = a.do(http.MethodDelete, "/api/v1/orders", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// A malformed token on an unknown path is still rejected by the auth stage
	// once tokens are available again.
	a.clock.Add(a.config.Security.RateLimit.RefillInterval)
	rr = a.do(http.MethodGet, "/api/v1/nope", "", "not.a.jwt")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestWriteServiceError(t *testing.T) {
	h := NewHandlers(nil, nil, nil)

	tests := []struct {
		name       string
		err        error
		status     int
		message    string
		retryAfter bool
	}{
		{"order service error", orders.NewConflictError("order 'a' cannot be cancelled", nil), http.StatusConflict, "order 'a' cannot be cancelled", false},
		{"unavailable order store", orders.NewUnavailableError("failed to save order", errors.New("pq: timeout")), http.StatusServiceUnavailable, "failed to save order", true},
		{"missing product", fmt.Errorf("product 7: %w", inventory.ErrNotFound), http.StatusNotFound, "Product not found", false},
		{"insufficient stock", inventory.ErrInsufficientStock, http.StatusConflict, "Insufficient stock", false},
		{"invalid quantity", inventory.ErrInvalidQuantity, http.StatusUnprocessableEntity, "Quantity must be a positive number", false},
		{"lock timeout", fmt.Errorf("adjust: %w", inventory.ErrLockTimeout), http.StatusServiceUnavailable, models.MessageTryAgain, true},
		{"transient storage failure", &inventory.TransientError{Op: "reserve", ProductID: 7, Err: errors.New("database is locked")}, http.StatusServiceUnavailable, models.MessageTryAgain, true},
		{"unexpected", errors.New("SELECT failed near users"), http.StatusInternalServerError, models.MessageInternalError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.writeServiceError(rr, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.Equal(t, tt.retryAfter, rr.Header().Get("Retry-After") != "")
			resp := decodeError(t, rr)
			assert.Equal(t, tt.message, resp.Message)
		})
	}
}

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"jane.doe@example.com":    "Jane Doe",
		"bob@example.com":         "Bob",
		"ann_lee+shop@example.io": "Ann Lee Shop",
	}
	for email, want := range tests {
		assert.Equal(t, want, displayName(email), email)
	}
}
