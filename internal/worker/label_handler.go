package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"techaura-fulfillment/internal/config"
	"techaura-fulfillment/internal/models"
)

// LabelHandler executes "label" jobs: it fetches the order's artwork, scales
// it to the printable label size, and writes the result next to the copied
// media on the device.
type LabelHandler struct {
	cfg        config.Config
	httpClient *http.Client
	baseDir    string
}

// Label job payload accepted from the queue.
type labelJobPayload struct {
	ArtworkURL string `json:"artwork_url"`
	OutputKey  string `json:"output_key"`
	Width      int    `json:"width"`
	Grayscale  bool   `json:"grayscale"`
}

// NewLabelHandler builds the handler with timeouts from config.
func NewLabelHandler(cfg config.Config) *LabelHandler {
	timeout := cfg.LabelFetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.DeviceMountDir
	if baseDir == "" {
		baseDir = "./devices"
	}
	return &LabelHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		baseDir:    baseDir,
	}
}

// Handle downloads, transforms, and writes a single label image.
func (h *LabelHandler) Handle(ctx context.Context, job models.ProcessingJob, report ProgressFunc) error {
	payload, err := decodeLabelPayload(job, h.cfg)
	if err != nil {
		return err
	}
	report(0, 2)

	data, err := h.download(ctx, payload.ArtworkURL)
	if err != nil {
		return err
	}
	report(1, 2)

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode artwork: %w", err)
	}
	if payload.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, payload.Width, 0, imaging.Lanczos)

	outputFormat := chooseFormat(payload.OutputKey, format)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode label: %w", err)
	}

	outputKey := payload.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("label_%d.%s", job.ID, formatExtension(outputFormat))
	}
	path := filepath.Join(h.baseDir, sanitizePath(outputKey))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write label: %w", err)
	}
	report(2, 2)
	return nil
}

func (h *LabelHandler) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download artwork: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download artwork: status %d", resp.StatusCode)
	}

	limit := h.cfg.LabelMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read artwork: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("artwork too large (>%d bytes)", limit)
	}
	return body, nil
}

func decodeLabelPayload(job models.ProcessingJob, cfg config.Config) (labelJobPayload, error) {
	payload := labelJobPayload{Width: cfg.LabelWidth}
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.ArtworkURL == "" {
		return payload, errors.New("artwork_url is required")
	}
	if payload.Width <= 0 {
		payload.Width = 600
	}
	return payload, nil
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	return imaging.JPEG
}
