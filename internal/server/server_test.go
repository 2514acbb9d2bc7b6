package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seefan21/outpaint-batch/internal/outpaint"
)

type stubAdapter struct {
	id outpaint.AdapterID
}

func (a *stubAdapter) ID() outpaint.AdapterID { return a.id }

func (a *stubAdapter) Probe(ctx context.Context) outpaint.BackendHealth {
	return outpaint.BackendHealth{Adapter: a.id, Available: true, Message: "ok", CheckedAt: time.Now()}
}

func (a *stubAdapter) Submit(ctx context.Context, req outpaint.OutpaintRequest) outpaint.BackendResult {
	return outpaint.BackendResult{
		Adapter:     a.id,
		OutputPaths: []string{req.OutputPath(1, 1)},
		Requested:   req.NumImages,
		Produced:    req.NumImages,
	}
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	service, err := outpaint.NewService(outpaint.ServiceConfig{Backend: "falai"}, map[outpaint.AdapterID]outpaint.Adapter{
		outpaint.AdapterFalAI:   &stubAdapter{id: outpaint.AdapterFalAI},
		outpaint.AdapterComfyUI: &stubAdapter{id: outpaint.AdapterComfyUI},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(service.Close)
	return InitRouter("secret", service)
}

func doRequest(router *gin.Engine, method, path, apiKey string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if apiKey != "" {
		req.Header.Set("API-KEY", apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func writeServerTestPNG(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "photo.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPermissionCheck(t *testing.T) {
	router := newTestRouter(t)
	if w := doRequest(router, http.MethodGet, "/queue", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", w.Code)
	}
	if w := doRequest(router, http.MethodGet, "/queue", "wrong", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}
	if w := doRequest(router, http.MethodGet, "/queue", "secret", nil); w.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", w.Code)
	}
}

func TestCreateOutpaintTask(t *testing.T) {
	router := newTestRouter(t)
	body := []byte(fmt.Sprintf(`{"image_path": %q}`, writeServerTestPNG(t)))
	w := doRequest(router, http.MethodPost, "/outpaint-task", "secret", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		TaskId      string   `json:"task_id"`
		Status      string   `json:"status"`
		Adapter     string   `json:"adapter"`
		OutputPaths []string `json:"output_paths"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "completed" || resp.TaskId == "" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Adapter != "falai" {
		t.Errorf("adapter = %q, want falai", resp.Adapter)
	}
	if len(resp.OutputPaths) != 1 {
		t.Errorf("output paths = %v", resp.OutputPaths)
	}
}

func TestCreateOutpaintTaskRejectsBadPayload(t *testing.T) {
	router := newTestRouter(t)
	w := doRequest(router, http.MethodPost, "/outpaint-task", "secret", []byte(`{}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing image_path: status = %d, want 400", w.Code)
	}
	w = doRequest(router, http.MethodPost, "/outpaint-task", "secret", []byte(`{"image_path": "/x.png", "num_images": 9}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("out-of-range num_images: status = %d, want 400", w.Code)
	}
}

func TestBackendStatusAndPrimarySwitch(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/backend/status", "secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint: %d", w.Code)
	}
	var status struct {
		Primary  string                   `json:"primary"`
		Backends []outpaint.BackendHealth `json:"backends"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Primary != "falai" || len(status.Backends) != 2 {
		t.Errorf("status = %+v", status)
	}

	w = doRequest(router, http.MethodPost, "/backend/primary", "secret", []byte(`{"backend": "comfyui"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("primary switch: %d, body = %s", w.Code, w.Body.String())
	}
	w = doRequest(router, http.MethodPost, "/backend/primary", "secret", []byte(`{"backend": "dalle"}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown backend: status = %d, want 400", w.Code)
	}
}

func TestProbeBackendEndpoint(t *testing.T) {
	router := newTestRouter(t)
	w := doRequest(router, http.MethodPost, "/backend/probe/falai", "secret", nil)
	if w.Code != http.StatusOK {
		t.Errorf("probe: status = %d", w.Code)
	}
	w = doRequest(router, http.MethodPost, "/backend/probe/unknown", "secret", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("probe unknown: status = %d, want 400", w.Code)
	}
}

func TestQueueEndpoints(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/queue/items", "secret", nil)
	if w.Code != http.StatusOK {
		t.Errorf("queue items: status = %d", w.Code)
	}
	w = doRequest(router, http.MethodDelete, "/queue/items/nope", "secret", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("withdraw unknown: status = %d, want 404", w.Code)
	}
	w = doRequest(router, http.MethodPost, "/queue/retry-failed", "secret", nil)
	if w.Code != http.StatusOK {
		t.Errorf("retry failed: status = %d", w.Code)
	}
}

func TestAdvisoryEndpoints(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/advisory", "secret", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("no advisory: status = %d, want 204", w.Code)
	}
	w = doRequest(router, http.MethodPost, "/advisory/accept", "secret", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("accept without advisory: status = %d, want 409", w.Code)
	}
}
