// README: Handler tests for order and driver routes behind the auth middleware.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"eats/internal/http/handlers"
	httpmiddleware "eats/internal/http/middleware"
	"eats/internal/infra"
	"eats/internal/modules/driver"
	"eats/internal/modules/order"
	"eats/internal/types"
)

// stubTokenVerifier resolves the bearer token as "<uid>:<role>".
type stubTokenVerifier struct{}

func (stubTokenVerifier) VerifyIDToken(_ context.Context, token string) (*infra.FirebaseToken, error) {
	for i := 0; i < len(token); i++ {
		if token[i] == ':' {
			claims := map[string]interface{}{}
			if role := token[i+1:]; role != "" {
				claims["role"] = role
			}
			return &infra.FirebaseToken{UID: token[:i], Claims: claims}, nil
		}
	}
	return nil, errors.New("bad token")
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []types.ID
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id types.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

type testAPI struct {
	router   *gin.Engine
	orders   *order.Service
	dispatch *recordingDispatcher
	roster   *driver.MemoryRoster
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t)
	api := &testAPI{
		orders:   order.NewService(order.NewMemoryStore(), nil, nil, log),
		dispatch: &recordingDispatcher{},
		roster:   driver.NewMemoryRoster(),
	}
	oh := handlers.NewOrderHandler(api.orders, api.dispatch, log)
	dh := handlers.NewDriverHandler(driver.NewDirectory(api.roster, api.orders))

	r := gin.New()
	r.Use(httpmiddleware.Auth(stubTokenVerifier{}))
	r.POST("/api/orders", oh.Create)
	r.GET("/api/orders/:id", oh.Get)
	r.GET("/api/orders/:id/events", oh.Events)
	r.POST("/api/orders/:id/status", oh.UpdateStatus)
	r.POST("/api/orders/:id/cancel", oh.Cancel)
	r.POST("/api/drivers/availability", dh.SetAvailability)
	api.router = r
	return api
}

func (api *testAPI) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	return w
}

func (api *testAPI) place(t *testing.T) order.View {
	t.Helper()
	w := api.do(http.MethodPost, "/api/orders", map[string]any{
		"restaurantId": "r1",
		"subtotal":     2500,
		"deliveryFee":  399,
		"discount":     500,
	}, "c1:customer")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var v order.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestCreate_Unauthenticated(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(http.MethodPost, "/api/orders", map[string]any{"restaurantId": "r1"}, "badtoken")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreate_PlacesConfirmedOrderAndDispatches(t *testing.T) {
	api := newTestAPI(t)
	v := api.place(t)

	assert.Equal(t, order.StatusConfirmed, v.Status)
	assert.Equal(t, types.ID("c1"), v.CustomerID)
	assert.Equal(t, int64(2399), v.Total)
	assert.Equal(t, "USD", v.Currency)
	assert.Nil(t, v.DriverID)
	assert.Equal(t, []types.ID{v.ID}, api.dispatch.ids)
}

func TestCreate_Rejections(t *testing.T) {
	api := newTestAPI(t)
	cases := []struct {
		name  string
		body  map[string]any
		token string
		want  int
	}{
		{"driver cannot place", map[string]any{"restaurantId": "r1", "subtotal": 100}, "d7:driver", http.StatusForbidden},
		{"no role", map[string]any{"restaurantId": "r1", "subtotal": 100}, "c1:", http.StatusForbidden},
		{"other customer", map[string]any{"customerId": "c2", "restaurantId": "r1", "subtotal": 100}, "c1:customer", http.StatusForbidden},
		{"missing restaurant", map[string]any{"subtotal": 100}, "c1:customer", http.StatusBadRequest},
		{"discount too large", map[string]any{"restaurantId": "r1", "subtotal": 100, "discount": 500}, "c1:customer", http.StatusBadRequest},
		{"negative fee", map[string]any{"restaurantId": "r1", "subtotal": 100, "deliveryFee": -1}, "c1:customer", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := api.do(http.MethodPost, "/api/orders", tc.body, tc.token)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, api.dispatch.ids)
}

func TestGet_PartiesOnly(t *testing.T) {
	api := newTestAPI(t)
	v := api.place(t)
	path := "/api/orders/" + v.ID.String()

	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, path, nil, "c1:customer").Code)
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, path, nil, "r1:restaurant").Code)
	assert.Equal(t, http.StatusForbidden, api.do(http.MethodGet, path, nil, "c2:customer").Code)
	assert.Equal(t, http.StatusForbidden, api.do(http.MethodGet, path, nil, "7:driver").Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/orders/999", nil, "c1:customer").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/orders/a%20b", nil, "c1:customer").Code)
}

func TestUpdateStatus(t *testing.T) {
	api := newTestAPI(t)
	v := api.place(t)
	_, err := api.orders.Assign(context.Background(), order.AssignCommand{OrderID: v.ID, DriverID: "7"})
	require.NoError(t, err)
	path := "/api/orders/" + v.ID.String() + "/status"

	w := api.do(http.MethodPost, path, map[string]any{"status": "DELIVERED"}, "7:driver")
	assert.Equal(t, http.StatusConflict, w.Code, "PREPARING -> DELIVERED is illegal")

	w = api.do(http.MethodPost, path, map[string]any{"status": "READY_FOR_PICKUP"}, "7:driver")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(http.MethodPost, path, map[string]any{}, "r1:restaurant")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(http.MethodPost, path, map[string]any{"status": "READY_FOR_PICKUP"}, "r1:restaurant")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got order.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, order.StatusReadyForPickup, got.Status)

	w = api.do(http.MethodGet, "/api/orders/"+v.ID.String(), nil, "7:driver")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCancel(t *testing.T) {
	api := newTestAPI(t)
	v := api.place(t)
	path := "/api/orders/" + v.ID.String() + "/cancel"

	assert.Equal(t, http.StatusForbidden, api.do(http.MethodPost, path, nil, "c2:customer").Code)

	w := api.do(http.MethodPost, path, nil, "c1:customer")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got order.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, order.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, order.ReasonCustomerCancelled, *got.CancelReason)

	assert.Equal(t, http.StatusConflict, api.do(http.MethodPost, path, map[string]any{"reason": "again"}, "r1:restaurant").Code)
}

func TestEvents_AuditTrail(t *testing.T) {
	api := newTestAPI(t)
	v := api.place(t)
	path := "/api/orders/" + v.ID.String() + "/events"
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/orders/"+v.ID.String()+"/cancel", nil, "c1:customer").Code)

	w := api.do(http.MethodGet, path, nil, "r1:restaurant")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got []order.EventView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 3)
	assert.Equal(t, order.StatusConfirmed, got[1].To)
	assert.Equal(t, order.ActorSystem, got[1].ActorType)
	assert.Equal(t, order.StatusConfirmed, got[2].From)
	assert.Equal(t, order.StatusCancelled, got[2].To)
	assert.Equal(t, order.ActorCustomer, got[2].ActorType)
	require.NotNil(t, got[2].ActorID)
	assert.Equal(t, types.ID("c1"), *got[2].ActorID)

	assert.Equal(t, http.StatusForbidden, api.do(http.MethodGet, path, nil, "c2:customer").Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/orders/999/events", nil, "c1:customer").Code)
}

func TestDriverAvailability(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	w := api.do(http.MethodPost, "/api/drivers/availability", map[string]any{"available": true}, "7:driver")
	require.Equal(t, http.StatusOK, w.Code)
	ids, err := api.roster.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"7"}, ids)

	w = api.do(http.MethodPost, "/api/drivers/availability", map[string]any{"available": false}, "7:driver")
	require.Equal(t, http.StatusOK, w.Code)
	ids, err = api.roster.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.Equal(t, http.StatusForbidden, api.do(http.MethodPost, "/api/drivers/availability", map[string]any{"available": true}, "c1:customer").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/api/drivers/availability", map[string]any{}, "7:driver").Code)
}
