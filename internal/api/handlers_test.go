package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pico-mes/pico-mrp/internal/mrp"
	"github.com/pico-mes/pico-mrp/internal/pico"
	"github.com/pico-mes/pico-mrp/internal/repository"
	"github.com/pico-mes/pico-mrp/internal/workflow"
	"github.com/pico-mes/pico-mrp/pkg/models"
)

type testHarness struct {
	echo  *echo.Echo
	store *repository.MemoryStore
	mes   *httptest.Server
}

// newTestHarness wires the full handler stack over an in-memory store and a
// stub MES endpoint.
func newTestHarness(t *testing.T, webhookKey string, mesHandler http.HandlerFunc) *testHarness {
	t.Helper()
	if mesHandler == nil {
		mesHandler = func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	}
	mes := httptest.NewServer(mesHandler)
	t.Cleanup(mes.Close)

	store := repository.NewMemoryStore()
	log := zerolog.Nop()
	client, err := pico.NewClient(mes.URL, "key", time.Second, log)
	require.NoError(t, err)

	validator := mrp.NewBomValidator(store, log, nil)
	completion := mrp.NewCompletion(store, client, validator, log, nil)
	engine := workflow.NewEngine(store, validator, log, nil)

	e := echo.New()
	server := NewServer(engine, completion, store, client, "https://bridge.example", webhookKey, log, nil)
	server.Register(e)
	return &testHarness{echo: e, store: store, mes: mes}
}

func (h *testHarness) request(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.echo.ServeHTTP(rec, req)
	return rec
}

func rpcBody(t *testing.T, id, method string, params any) string {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{"id": id, "method": method, "params": json.RawMessage(raw)})
	require.NoError(t, err)
	return string(body)
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHarness(t, "", nil)
	rec := h.request(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRPCRejectsUnknownMethod(t *testing.T) {
	h := newTestHarness(t, "", nil)
	rec := h.request(http.MethodPost, "/picoapi/rpc",
		rpcBody(t, "corr-0000000001", "somethingElse", map[string]any{}), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRPCRequiresMethod(t *testing.T) {
	h := newTestHarness(t, "", nil)
	rec := h.request(http.MethodPost, "/picoapi/rpc", `{"id":"corr-0000000001"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRPCNewWorkflowVersion(t *testing.T) {
	h := newTestHarness(t, "", nil)
	params := map[string]any{
		"id": "v12",
		"workflow": map[string]any{
			"id":   "w156",
			"name": "Device Build",
			"processes": []map[string]any{
				{
					"id": "p18", "name": "Assemble",
					"attrs":           []map[string]string{{"id": "a101", "label": "Board Serial"}},
					"consumedAttrIds": []string{"a101"},
				},
			},
		},
	}
	rec := h.request(http.MethodPost, "/picoapi/rpc",
		rpcBody(t, "corr-0000000001", pico.MethodNewWorkflowVersion, params), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	workflows, err := h.store.ListWorkflows(context.Background())
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, "w156", workflows[0].PicoID)
}

func TestRPCNewWorkflowVersionMalformed(t *testing.T) {
	h := newTestHarness(t, "", nil)
	params := map[string]any{"workflow": map[string]any{"id": "w156"}} // no version id
	rec := h.request(http.MethodPost, "/picoapi/rpc",
		rpcBody(t, "corr-0000000001", pico.MethodNewWorkflowVersion, params), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRPCWorkOrderCompleteShortCorrelationID(t *testing.T) {
	h := newTestHarness(t, "", nil)
	rec := h.request(http.MethodPost, "/picoapi/rpc",
		rpcBody(t, "short", pico.MethodWorkOrderComplete, map[string]any{"workOrderId": "wo-1"}), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRPCWorkOrderCompleteUnknownOrderIsAccepted(t *testing.T) {
	h := newTestHarness(t, "", nil)
	rec := h.request(http.MethodPost, "/picoapi/rpc",
		rpcBody(t, "corr-0000000001", pico.MethodWorkOrderComplete,
			map[string]any{"workOrderId": "wo-unknown"}), nil)
	assert.Equal(t, http.StatusOK, rec.Code, "stale redeliveries must be dropped, not errored")
}

func TestRPCWorkOrderCompleteRequiresWorkOrderID(t *testing.T) {
	h := newTestHarness(t, "", nil)
	rec := h.request(http.MethodPost, "/picoapi/rpc",
		rpcBody(t, "corr-0000000001", pico.MethodWorkOrderComplete, map[string]any{}), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookKeyGuard(t *testing.T) {
	h := newTestHarness(t, "topsecret", nil)
	body := rpcBody(t, "corr-0000000001", pico.MethodWorkOrderComplete,
		map[string]any{"workOrderId": "wo-unknown"})

	rec := h.request(http.MethodPost, "/picoapi/rpc", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.request(http.MethodPost, "/picoapi/rpc", body,
		map[string]string{"X-Pico-Customer-Key": "topsecret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubscribeRegistersCallback(t *testing.T) {
	var gotURL string
	h := newTestHarness(t, "", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RPCHostURL string `json:"rpcHostUrl"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotURL = req.RPCHostURL
		w.WriteHeader(http.StatusOK)
	})

	rec := h.request(http.MethodPost, "/api/v1/pico/subscribe", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://bridge.example/picoapi/rpc", gotURL)
}

func TestSubscribeMapsRejection(t *testing.T) {
	h := newTestHarness(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	rec := h.request(http.MethodPost, "/api/v1/pico/subscribe", "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGetRunNotFound(t *testing.T) {
	h := newTestHarness(t, "", nil)
	rec := h.request(http.MethodGet, "/api/v1/runs/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
}

func TestConfirmRunConflictOnUnmappedBom(t *testing.T) {
	h := newTestHarness(t, "", nil)
	ctx := context.Background()

	wf := &models.Workflow{
		ID: "wf-1", PicoID: "w156", Active: true,
		Versions: []*models.Version{{ID: "ver-1", WorkflowID: "wf-1", PicoID: "v12", Active: true}},
		Processes: []*models.Process{{
			ID: "proc-1", WorkflowID: "wf-1", PicoID: "p18", Name: "Assemble",
			Sequence: 1, Active: true,
			Attributes: []*models.Attribute{{
				ID: "attr-1", ProcessID: "proc-1", PicoID: "a101",
				Type: models.AttributeConsume, Active: true,
			}},
		}},
	}
	require.NoError(t, h.store.SaveWorkflow(ctx, wf))
	require.NoError(t, h.store.SaveBom(ctx, &models.Bom{
		ID: "bom-1", ProductID: "prod-1", WorkflowID: "wf-1", ProcessID: "proc-1",
		Lines: []*models.BomLine{{
			ID: "line-1", BomID: "bom-1", ProductID: "prod-2",
			Tracking: models.TrackingSerial, Qty: 1, ProcessID: "proc-1",
		}},
	}))
	require.NoError(t, h.store.SaveRun(ctx, &models.ProductionRun{
		ID: "run-1", Name: "MO-001", State: models.RunDraft,
		BomID: "bom-1", ProductID: "prod-1", Quantity: 1,
	}))

	rec := h.request(http.MethodPost, "/api/v1/runs/run-1/confirm", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
