// ComfyUI HTTP adapter: probe system stats and installed nodes, upload the
// source image, queue a parameterized workflow and collect the rendered
// outputs from history.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seefan21/outpaint-batch/internal/logger"
	"github.com/seefan21/outpaint-batch/internal/outpaint"
)

const (
	defaultBaseURL = "http://127.0.0.1:8188"
	// FLUX fill models underperform badly below this
	minVRAMGB = 12.0

	historyPollInterval = time.Second
	maxHistoryPolls     = 600
)

type Config struct {
	BaseURL      string `mapstructure:"url"`
	WorkflowPath string `mapstructure:"workflowPath"`
}

type Backend struct {
	cfg        Config
	httpClient *http.Client
	viewClient *http.Client
	logger     *logger.CustomLogger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Backend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Backend{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		viewClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger.NewCustomLogger().With("adapter", "comfyui"),
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (b *Backend) ID() outpaint.AdapterID {
	return outpaint.AdapterComfyUI
}

type systemStats struct {
	Devices []struct {
		VRAMTotal float64 `json:"vram_total"`
	} `json:"devices"`
}

// Probe fails closed: any ambiguity about the server, the installed nodes or
// the workflow template counts as unavailable.
func (b *Backend) Probe(ctx context.Context) outpaint.BackendHealth {
	health := outpaint.BackendHealth{Adapter: outpaint.AdapterComfyUI, CheckedAt: time.Now()}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var stats systemStats
	status, err := b.getJSON(probeCtx, "/system_stats", &stats)
	if err != nil {
		health.Message = fmt.Sprintf("ComfyUI not reachable: %s", err)
		return health
	}
	if status != http.StatusOK {
		health.Message = fmt.Sprintf("ComfyUI not responding: HTTP %d", status)
		return health
	}

	if vram, ok := maxVRAMGB(stats); ok && vram < minVRAMGB {
		health.Message = fmt.Sprintf("GPU VRAM too low for FLUX: %.1fGB detected (need >= %.0fGB)", vram, minVRAMGB)
		return health
	}

	var objectInfo map[string]json.RawMessage
	status, err = b.getJSON(probeCtx, "/object_info", &objectInfo)
	if err != nil || status != http.StatusOK {
		health.Message = fmt.Sprintf("ComfyUI /object_info error (HTTP %d): %v", status, err)
		return health
	}
	var missing []string
	for _, class := range []string{"LoadImage", "KSampler", "VAEEncode", "VAEDecode"} {
		if _, ok := objectInfo[class]; !ok {
			missing = append(missing, class)
		}
	}
	if len(missing) > 0 {
		health.Message = fmt.Sprintf("required nodes missing: %s", strings.Join(missing, ", "))
		return health
	}

	wf, err := loadWorkflow(b.cfg.WorkflowPath)
	if err != nil {
		health.Message = fmt.Sprintf("workflow invalid: %s", err)
		return health
	}
	if err := wf.validate(); err != nil {
		health.Message = fmt.Sprintf("workflow invalid: %s", err)
		return health
	}

	health.Available = true
	health.Message = "ComfyUI ready"
	return health
}

// maxVRAMGB walks the reported devices, normalizing the value with the same
// bytes/MB/GB heuristic the stats endpoint needs.
func maxVRAMGB(stats systemStats) (float64, bool) {
	best := 0.0
	found := false
	for _, d := range stats.Devices {
		v := d.VRAMTotal
		if v <= 0 {
			continue
		}
		switch {
		case v > 1024*1024*1024:
			v /= 1024 * 1024 * 1024
		case v > 1024*16:
			v /= 1024
		}
		if v > best {
			best = v
		}
		found = true
	}
	return best, found
}

func (b *Backend) Submit(ctx context.Context, req outpaint.OutpaintRequest) outpaint.BackendResult {
	result := outpaint.BackendResult{Adapter: outpaint.AdapterComfyUI, Requested: req.NumImages}

	uploadedName, err := b.uploadImage(ctx, req.ImagePath)
	if err != nil {
		result.Err = err
		return result
	}

	wf, err := loadWorkflow(b.cfg.WorkflowPath)
	if err != nil {
		result.Err = outpaint.NewConfigurationError(err.Error())
		return result
	}
	if err := wf.validate(); err != nil {
		result.Err = outpaint.NewConfigurationError(err.Error())
		return result
	}
	wf.inject(uploadedName, req)

	promptID, err := b.queuePrompt(ctx, wf)
	if err != nil {
		result.Err = err
		return result
	}
	b.logger.Infof("request %s: comfyui prompt queued: %s", req.ID, promptID)

	images, err := b.awaitOutputs(ctx, wf, promptID)
	if err != nil {
		result.Err = err
		return result
	}

	paths, err := outpaint.SaveOutputs(req, images)
	if err != nil {
		result.Err = err
		return result
	}
	result.OutputPaths = paths
	result.Produced = len(paths)
	return result
}

func (b *Backend) uploadImage(ctx context.Context, imagePath string) (string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return "", outpaint.NewConfigurationError(fmt.Sprintf("cannot open image: %s", err))
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return "", outpaint.NewConfigurationError(err.Error())
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", outpaint.NewConfigurationError(err.Error())
	}
	writer.WriteField("type", "input")
	writer.WriteField("overwrite", "true")
	writer.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/upload/image", &body)
	if err != nil {
		return "", outpaint.NewConfigurationError(err.Error())
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return "", outpaint.ClassifyTransportError("comfyui upload failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", outpaint.NewRemoteRejectedError(fmt.Sprintf("comfyui upload failed: HTTP %d", resp.StatusCode))
	}
	var uploadResp struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil || uploadResp.Name == "" {
		return "", outpaint.NewRemoteRejectedError("unexpected upload response")
	}
	return uploadResp.Name, nil
}

func (b *Backend) queuePrompt(ctx context.Context, wf workflow) (string, error) {
	clientID := "outpaint-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	payload, err := json.Marshal(map[string]interface{}{
		"prompt":    wf,
		"client_id": clientID,
	})
	if err != nil {
		return "", outpaint.NewConfigurationError(err.Error())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/prompt", bytes.NewBuffer(payload))
	if err != nil {
		return "", outpaint.NewConfigurationError(err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return "", outpaint.ClassifyTransportError("comfyui /prompt failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", outpaint.NewRemoteRejectedError(fmt.Sprintf("comfyui /prompt failed: HTTP %d %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	var promptResp struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&promptResp); err != nil || promptResp.PromptID == "" {
		return "", outpaint.NewRemoteRejectedError("unexpected /prompt response")
	}
	return promptResp.PromptID, nil
}

type historyImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Status *struct {
		StatusStr string            `json:"status_str"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []historyImage `json:"images"`
	} `json:"outputs"`
}

func (b *Backend) awaitOutputs(ctx context.Context, wf workflow, promptID string) ([][]byte, error) {
	for i := 0; i < maxHistoryPolls; i++ {
		if err := b.sleep(ctx, historyPollInterval); err != nil {
			return nil, outpaint.NewTimeoutError("cancelled while waiting for comfyui", err)
		}

		var history map[string]historyEntry
		status, err := b.getJSON(ctx, "/history/"+promptID, &history)
		if err != nil {
			return nil, outpaint.ClassifyTransportError("comfyui history poll failed", err)
		}
		if status != http.StatusOK {
			continue
		}
		entry, ok := history[promptID]
		if !ok {
			continue
		}

		if reason := extractHistoryError(entry, wf); reason != "" {
			return nil, outpaint.NewRemoteRejectedError(reason)
		}

		var images []historyImage
		for _, out := range entry.Outputs {
			images = append(images, out.Images...)
		}
		if len(images) == 0 {
			continue
		}

		results := make([][]byte, 0, len(images))
		for _, im := range images {
			if im.Filename == "" {
				continue
			}
			data, err := b.fetchView(ctx, im)
			if err != nil {
				return nil, err
			}
			results = append(results, data)
		}
		if len(results) > 0 {
			return results, nil
		}
	}
	return nil, outpaint.NewTimeoutError("timeout waiting for comfyui history", nil)
}

// extractHistoryError pulls an execution error out of the history entry.
// Messages are [kind, payload] pairs; anything error-flavoured wins.
func extractHistoryError(entry historyEntry, wf workflow) string {
	if entry.Status == nil {
		return ""
	}
	if strings.EqualFold(entry.Status.StatusStr, "error") && len(entry.Status.Messages) == 0 {
		return "ComfyUI execution failed (status=error), check the ComfyUI log for details"
	}
	for _, raw := range entry.Status.Messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(pair[0], &kind); err != nil {
			continue
		}
		if !strings.Contains(strings.ToLower(kind), "error") && kind != "execution_interrupted" {
			continue
		}
		var payload struct {
			NodeID           string `json:"node_id"`
			ExceptionType    string `json:"exception_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		_ = json.Unmarshal(pair[1], &payload)

		parts := []string{"ComfyUI execution error"}
		if payload.NodeID != "" {
			if n, ok := wf[payload.NodeID]; ok && n != nil {
				parts[0] = fmt.Sprintf("ComfyUI execution error (node %s: %s)", payload.NodeID, n.ClassType)
			} else {
				parts[0] = fmt.Sprintf("ComfyUI execution error (node %s)", payload.NodeID)
			}
		}
		if payload.ExceptionType != "" {
			parts = append(parts, payload.ExceptionType)
		}
		if payload.ExceptionMessage != "" {
			parts = append(parts, payload.ExceptionMessage)
		}
		return strings.Join(parts, ": ")
	}
	return ""
}

func (b *Backend) fetchView(ctx context.Context, im historyImage) ([]byte, error) {
	params := url.Values{}
	params.Set("filename", im.Filename)
	params.Set("subfolder", im.Subfolder)
	if im.Type != "" {
		params.Set("type", im.Type)
	} else {
		params.Set("type", "output")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+"/view?"+params.Encode(), nil)
	if err != nil {
		return nil, outpaint.NewConfigurationError(err.Error())
	}
	resp, err := b.viewClient.Do(httpReq)
	if err != nil {
		return nil, outpaint.ClassifyTransportError("comfyui view fetch failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, outpaint.NewRemoteRejectedError(fmt.Sprintf("comfyui view fetch failed: HTTP %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, outpaint.ClassifyTransportError("comfyui view fetch failed", err)
	}
	return data, nil
}

func (b *Backend) getJSON(ctx context.Context, path string, out interface{}) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
