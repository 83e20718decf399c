package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go-defect-inspector/internal/classes"
	"go-defect-inspector/pkg/models"
)

// Client talks to the inference sidecar that hosts the localizer and
// classifier weights. It implements Loader and Trainer.
type Client struct {
	baseURL string
	client  *http.Client
	// training streams can run for hours; only the caller's context bounds them
	trainClient *http.Client
	classes     *classes.Table
}

// NewClient creates a sidecar client; timeout bounds every non-training call
func NewClient(baseURL string, timeout time.Duration, table *classes.Table) *Client {
	transport := &http.Transport{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL:     baseURL,
		client:      &http.Client{Transport: transport, Timeout: timeout},
		trainClient: &http.Client{Transport: transport},
		classes:     table,
	}
}

type loadRequest struct {
	Role Role   `json:"role"`
	Path string `json:"path"`
}

type loadResponse struct {
	Handle string `json:"handle"`
}

// Load asks the sidecar to load weights and returns a handle-bound model
func (c *Client) Load(ctx context.Context, role Role, weightsPath string) (Model, error) {
	var resp loadResponse
	if err := c.postJSON(ctx, c.client, "/models/load", loadRequest{Role: role, Path: weightsPath}, &resp); err != nil {
		return nil, fmt.Errorf("load %s weights %s: %w", role, weightsPath, err)
	}
	if resp.Handle == "" {
		return nil, fmt.Errorf("load %s weights %s: empty handle", role, weightsPath)
	}
	return &remoteModel{client: c, handle: resp.Handle, path: weightsPath, role: role}, nil
}

// Health checks that the sidecar is reachable
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference sidecar unhealthy: %d", resp.StatusCode)
	}
	return nil
}

type remoteModel struct {
	client *Client
	handle string
	path   string
	role   Role
}

func (m *remoteModel) Path() string {
	return m.path
}

func (m *remoteModel) Unload(ctx context.Context) error {
	body := map[string]string{"handle": m.handle}
	if err := m.client.postJSON(ctx, m.client.client, "/models/unload", body, nil); err != nil {
		return fmt.Errorf("unload %s: %w", m.path, err)
	}
	return nil
}

type wireDetection struct {
	ClassID    int         `json:"class_id"`
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	BBox       [4]float64  `json:"bbox"`
	MaskBBox   *[4]float64 `json:"mask_bbox,omitempty"`
}

type inferResponse struct {
	Detections []wireDetection `json:"detections"`
}

// Infer uploads the image as PNG and returns the model's detections
func (m *remoteModel) Infer(ctx context.Context, img image.Image, confidenceThreshold float64) ([]models.Detection, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if err := png.Encode(part, img); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	q := url.Values{}
	q.Set("handle", m.handle)
	q.Set("conf", strconv.FormatFloat(confidenceThreshold, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.client.baseURL+"/infer?"+q.Encode(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := m.client.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var result inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return m.client.toDetections(result.Detections), nil
}

func (c *Client) toDetections(wire []wireDetection) []models.Detection {
	detections := make([]models.Detection, 0, len(wire))
	for _, w := range wire {
		box := toBBox(w.BBox)
		d := models.Detection{
			ClassID:    w.ClassID,
			ClassName:  w.ClassName,
			Confidence: w.Confidence,
			BBox:       box,
			Area:       box.Area(),
		}
		if d.ClassName == "" && c.classes != nil {
			d.ClassName = c.classes.Name(w.ClassID)
		}
		if c.classes != nil {
			d.Color = c.classes.Color(w.ClassID)
		}
		if w.MaskBBox != nil {
			mb := toBBox(*w.MaskBBox)
			d.MaskBBox = &mb
		}
		detections = append(detections, d)
	}
	return detections
}

func toBBox(v [4]float64) models.BBox {
	return models.BBox{
		int(math.Floor(v[0])),
		int(math.Floor(v[1])),
		int(math.Ceil(v[2])),
		int(math.Ceil(v[3])),
	}
}

type trainEvent struct {
	Type string `json:"type"`
	models.EpochMetric
	Weights string               `json:"weights,omitempty"`
	Metrics []models.EpochMetric `json:"metrics,omitempty"`
	Message string               `json:"message,omitempty"`
}

// Train starts a training run on the sidecar and follows its newline
// delimited event stream until a result or error event arrives
func (c *Client) Train(ctx context.Context, req TrainRequest, onEpoch EpochFunc) (*TrainResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode train request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/train", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.trainClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("start training: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev trainEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("decode training event: %w", err)
		}

		switch ev.Type {
		case "epoch":
			if onEpoch != nil {
				if err := onEpoch(ev.EpochMetric); err != nil {
					// closing the stream tells the sidecar to stop after this epoch
					return nil, err
				}
			}
		case "result":
			if ev.Weights == "" {
				return nil, errors.New("training result without weights")
			}
			return &TrainResult{WeightsPath: ev.Weights, Metrics: ev.Metrics}, nil
		case "error":
			return nil, fmt.Errorf("trainer reported: %s", ev.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read training stream: %w", err)
	}
	return nil, errors.New("training stream ended without a result")
}

func (c *Client) postJSON(ctx context.Context, hc *http.Client, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("inference sidecar returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}
