// fal.ai queue API adapter: upload the source image to an image host, submit
// the outpaint job, poll until done, download the results.
package falai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seefan21/outpaint-batch/internal/logger"
	"github.com/seefan21/outpaint-batch/internal/outpaint"
)

const (
	defaultQueueURL  = "https://queue.fal.run/fal-ai/image-apps-v2/outpaint"
	defaultUploadURL = "https://freeimage.host/api/1/upload"
	// freeimage.host guest key, overridable via config
	defaultUploadKey = "6d207e02198a847aa98d0a2a901485a5"

	maxPollAttempts = 240
)

type Config struct {
	APIKey    string `mapstructure:"apiKey"`
	QueueURL  string `mapstructure:"queueUrl"`
	UploadURL string `mapstructure:"uploadUrl"`
	UploadKey string `mapstructure:"uploadKey"`
}

type Backend struct {
	cfg            Config
	httpClient     *http.Client
	downloadClient *http.Client
	logger         *logger.CustomLogger

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Backend {
	if cfg.QueueURL == "" {
		cfg.QueueURL = defaultQueueURL
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = defaultUploadURL
	}
	if cfg.UploadKey == "" {
		cfg.UploadKey = defaultUploadKey
	}
	return &Backend{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		downloadClient: &http.Client{Timeout: 120 * time.Second},
		logger:         logger.NewCustomLogger().With("adapter", "falai"),
		sleep:          sleepCtx,
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
	return outpaint.AdapterFalAI
}

// Probe checks the credential and queue host reachability. Any HTTP response
// counts as reachable; the queue host answers unauthenticated requests with
// 401, which is still a live service.
func (b *Backend) Probe(ctx context.Context) outpaint.BackendHealth {
	health := outpaint.BackendHealth{Adapter: outpaint.AdapterFalAI, CheckedAt: time.Now()}
	if strings.TrimSpace(b.cfg.APIKey) == "" {
		health.Message = "falai api key not configured"
		return health
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.cfg.QueueURL, nil)
	if err != nil {
		health.Message = err.Error()
		return health
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		health.Message = fmt.Sprintf("fal.ai not reachable: %s", err)
		return health
	}
	resp.Body.Close()
	health.Available = true
	health.Message = "fal.ai reachable"
	return health
}

func (b *Backend) Submit(ctx context.Context, req outpaint.OutpaintRequest) outpaint.BackendResult {
	result := outpaint.BackendResult{Adapter: outpaint.AdapterFalAI, Requested: req.NumImages}

	imageURL, err := b.uploadSource(ctx, req.ImagePath)
	if err != nil {
		result.Err = err
		return result
	}

	statusURL, requestID, err := b.submitJob(ctx, req, imageURL)
	if err != nil {
		result.Err = err
		return result
	}
	b.logger.Infof("request %s: fal.ai job created: %s", req.ID, requestID)

	images, err := b.pollUntilDone(ctx, req.ID, statusURL)
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

// uploadSource pushes the image to the upload host and returns a public URL
// the queue API can fetch. Oversized sources are downscaled and everything is
// flattened to JPEG first to keep the upload small.
func (b *Backend) uploadSource(ctx context.Context, imagePath string) (string, error) {
	jpegBytes, err := encodeUploadJPEG(imagePath)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("key", b.cfg.UploadKey)
	form.Set("action", "upload")
	form.Set("source", base64.StdEncoding.EncodeToString(jpegBytes))
	form.Set("format", "json")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.UploadURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", outpaint.NewConfigurationError(err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return "", outpaint.ClassifyTransportError("image upload failed", err)
	}
	defer resp.Body.Close()

	var uploadResp struct {
		StatusCode int `json:"status_code"`
		Image      struct {
			URL string `json:"url"`
		} `json:"image"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return "", outpaint.NewRemoteRejectedError(fmt.Sprintf("image upload returned malformed response: %s", err))
	}
	if uploadResp.StatusCode != 200 || uploadResp.Image.URL == "" {
		return "", outpaint.NewRemoteRejectedError(fmt.Sprintf("image upload failed: HTTP %d", resp.StatusCode))
	}
	return uploadResp.Image.URL, nil
}

type outpaintPayload struct {
	ImageURL            string `json:"image_url"`
	ZoomOutPercentage   int    `json:"zoom_out_percentage"`
	ExpandLeft          int    `json:"expand_left"`
	ExpandRight         int    `json:"expand_right"`
	ExpandTop           int    `json:"expand_top"`
	ExpandBottom        int    `json:"expand_bottom"`
	NumImages           int    `json:"num_images"`
	Prompt              string `json:"prompt"`
	EnableSafetyChecker bool   `json:"enable_safety_checker"`
	OutputFormat        string `json:"output_format"`
}

func (b *Backend) submitJob(ctx context.Context, req outpaint.OutpaintRequest, imageURL string) (statusURL, requestID string, err error) {
	payload, _ := json.Marshal(outpaintPayload{
		ImageURL:            imageURL,
		ZoomOutPercentage:   req.ZoomOutPercentage,
		ExpandLeft:          req.ExpandLeft,
		ExpandRight:         req.ExpandRight,
		ExpandTop:           req.ExpandTop,
		ExpandBottom:        req.ExpandBottom,
		NumImages:           req.NumImages,
		Prompt:              req.Prompt,
		EnableSafetyChecker: req.EnableSafetyChecker,
		OutputFormat:        req.OutputFormat,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.QueueURL, bytes.NewBuffer(payload))
	if err != nil {
		return "", "", outpaint.NewConfigurationError(err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Key "+b.cfg.APIKey)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return "", "", outpaint.ClassifyTransportError("fal.ai submit failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusPaymentRequired {
		return "", "", outpaint.NewRemoteRejectedError("payment required (insufficient credits)")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", "", outpaint.NewRemoteRejectedError(fmt.Sprintf("fal.ai submit failed: HTTP %d %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var submitResp struct {
		StatusURL string `json:"status_url"`
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitResp); err != nil {
		return "", "", outpaint.NewRemoteRejectedError(fmt.Sprintf("unexpected submit response: %s", err))
	}
	if submitResp.StatusURL == "" || submitResp.RequestID == "" {
		return "", "", outpaint.NewRemoteRejectedError("unexpected submit response: missing status_url or request_id")
	}
	return submitResp.StatusURL, submitResp.RequestID, nil
}

type imageRef struct {
	URL string `json:"url"`
}

type statusResponse struct {
	Status      string     `json:"status"`
	Error       string     `json:"error"`
	ResponseURL string     `json:"response_url"`
	Images      []imageRef `json:"images"`
	Output      *struct {
		Images []imageRef `json:"images"`
	} `json:"output"`
}

// pollUntilDone polls the status URL on a widening schedule: 5s for the first
// two minutes, then 10s, then 15s, up to 240 polls total.
func (b *Backend) pollUntilDone(ctx context.Context, reqID, statusURL string) ([][]byte, error) {
	for attempt := 1; attempt <= maxPollAttempts; attempt++ {
		if err := b.sleep(ctx, pollDelay(attempt)); err != nil {
			return nil, outpaint.NewTimeoutError("cancelled while polling fal.ai", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return nil, outpaint.NewConfigurationError(err.Error())
		}
		httpReq.Header.Set("Authorization", "Key "+b.cfg.APIKey)
		resp, err := b.httpClient.Do(httpReq)
		if err != nil {
			return nil, outpaint.ClassifyTransportError("fal.ai status poll failed", err)
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return nil, outpaint.NewRemoteRejectedError("job not found (expired)")
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			if err := b.sleep(ctx, 30*time.Second); err != nil {
				return nil, outpaint.NewTimeoutError("cancelled while polling fal.ai", err)
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, outpaint.NewRemoteRejectedError(fmt.Sprintf("fal.ai status poll failed: HTTP %d", resp.StatusCode))
		}

		var status statusResponse
		err = json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if err != nil {
			return nil, outpaint.NewRemoteRejectedError(fmt.Sprintf("malformed status payload: %s", err))
		}

		switch status.Status {
		case "IN_QUEUE", "IN_PROGRESS":
			continue
		case "COMPLETED":
			return b.downloadResults(ctx, reqID, status)
		case "FAILED", "ERROR", "CANCELLED":
			reason := status.Error
			if reason == "" {
				reason = fmt.Sprintf("job %s", status.Status)
			}
			return nil, outpaint.NewRemoteRejectedError(reason)
		default:
			continue
		}
	}
	return nil, outpaint.NewTimeoutError("timeout waiting for fal.ai outpaint job", nil)
}

func pollDelay(attempt int) time.Duration {
	switch {
	case attempt <= 24:
		return 5 * time.Second
	case attempt <= 60:
		return 10 * time.Second
	default:
		return 15 * time.Second
	}
}

func (b *Backend) downloadResults(ctx context.Context, reqID string, status statusResponse) ([][]byte, error) {
	images := status.Images
	if status.Output != nil && len(status.Output.Images) > 0 {
		images = status.Output.Images
	}
	if len(images) == 0 && status.ResponseURL != "" {
		fetched, err := b.fetchResponsePayload(ctx, status.ResponseURL)
		if err != nil {
			return nil, err
		}
		images = fetched
	}
	if len(images) == 0 {
		return nil, outpaint.NewRemoteRejectedError("no images in completed response")
	}

	results := make([][]byte, 0, len(images))
	for _, img := range images {
		if img.URL == "" {
			continue
		}
		b.logger.Debugf("request %s: downloading %s", reqID, img.URL)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, img.URL, nil)
		if err != nil {
			return nil, outpaint.NewConfigurationError(err.Error())
		}
		resp, err := b.downloadClient.Do(httpReq)
		if err != nil {
			return nil, outpaint.ClassifyTransportError("result download failed", err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, outpaint.ClassifyTransportError("result download failed", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, outpaint.NewRemoteRejectedError(fmt.Sprintf("result download failed: HTTP %d", resp.StatusCode))
		}
		results = append(results, data)
	}
	if len(results) == 0 {
		return nil, outpaint.NewRemoteRejectedError("no downloadable images returned")
	}
	return results, nil
}

func (b *Backend) fetchResponsePayload(ctx context.Context, responseURL string) ([]imageRef, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, responseURL, nil)
	if err != nil {
		return nil, outpaint.NewConfigurationError(err.Error())
	}
	httpReq.Header.Set("Authorization", "Key "+b.cfg.APIKey)
	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, outpaint.ClassifyTransportError("fal.ai response fetch failed", err)
	}
	defer resp.Body.Close()
	var payload struct {
		Images []imageRef `json:"images"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, outpaint.NewRemoteRejectedError(fmt.Sprintf("malformed response payload: %s", err))
	}
	return payload.Images, nil
}
