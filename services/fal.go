package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"natakapi/models"
)

// FalServiceProvider is the third-party generation API. Image steps run
// synchronously; video generation goes through the provider queue and
// reports back over the webhook endpoint.
type FalServiceProvider interface {
	RunImageStep(ctx context.Context, step models.PipelineStep, req FalImageRequest) (*FalImageResult, error)
	SubmitVideo(ctx context.Context, req FalVideoRequest, webhookURL string) (string, error)
}

type FalImageRequest struct {
	Model         string  `json:"model"`
	Prompt        string  `json:"prompt"`
	ImageURL      string  `json:"image_url,omitempty"`
	ClothImageURL *string `json:"cloth_image_url,omitempty"`
	AspectRatio   string  `json:"aspect_ratio,omitempty"`
	EnableNSFW    bool    `json:"enable_safety_checker,omitempty"`
}

type FalImageResult struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

type FalVideoRequest struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url"`
}

// FalWebhookPayload is what the provider POSTs to our webhook endpoint
// when a queued request finishes.
type FalWebhookPayload struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"` // OK, ERROR
	Error     *string         `json:"error"`
	Payload   *FalOutputBlock `json:"payload"`
}

type FalOutputBlock struct {
	Images []FalImageResult `json:"images"`
	Video  *FalImageResult  `json:"video"`
}

// OutputURL picks the primary output reference out of a webhook payload.
func (p *FalWebhookPayload) OutputURL() string {
	if p.Payload == nil {
		return ""
	}
	if p.Payload.Video != nil && p.Payload.Video.URL != "" {
		return p.Payload.Video.URL
	}
	if len(p.Payload.Images) > 0 {
		return p.Payload.Images[0].URL
	}
	return ""
}

type FalService struct{}

// endpoint per pipeline step; the model name from the request is appended
// for steps that let the user pick a model
var falStepEndpoints = map[models.PipelineStep]string{
	models.StepBaseGeneration: "https://fal.run/fal-ai/flux-lora",
	models.StepClothSwap:      "https://fal.run/fal-ai/cat-vton",
	models.StepUpscale:        "https://fal.run/fal-ai/clarity-upscaler",
	models.StepFinalRender:    "https://fal.run/fal-ai/image-postprocess",
}

func falRequest(ctx context.Context, endpoint string, payload interface{}) (map[string]interface{}, error) {
	apiKey := os.Getenv("FAL_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("FAL_API_KEY environment variable not set")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Key %s", apiKey))
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fal returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (fs *FalService) RunImageStep(ctx context.Context, step models.PipelineStep, req FalImageRequest) (*FalImageResult, error) {
	endpoint, ok := falStepEndpoints[step]
	if !ok {
		return nil, fmt.Errorf("no fal endpoint for step %s", step)
	}
	result, err := falRequest(ctx, endpoint, req)
	if err != nil {
		return nil, err
	}
	images, ok := result["images"].([]interface{})
	if !ok || len(images) == 0 {
		return nil, fmt.Errorf("fal response has no images: %v", result)
	}
	first, ok := images[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("fal response image format unexpected: %v", images[0])
	}
	imageUrl, _ := first["url"].(string)
	contentType, _ := first["content_type"].(string)
	if imageUrl == "" {
		return nil, fmt.Errorf("fal response image has no url: %v", first)
	}
	return &FalImageResult{URL: imageUrl, ContentType: contentType}, nil
}

// SubmitVideo enqueues the request on the provider queue and returns the
// provider request id; completion arrives on webhookURL.
func (fs *FalService) SubmitVideo(ctx context.Context, req FalVideoRequest, webhookURL string) (string, error) {
	endpoint := fmt.Sprintf("https://queue.fal.run/%s?fal_webhook=%s", req.Model, url.QueryEscape(webhookURL))
	result, err := falRequest(ctx, endpoint, req)
	if err != nil {
		return "", err
	}
	requestId, ok := result["request_id"].(string)
	if !ok || requestId == "" {
		return "", fmt.Errorf("fal queue response has no request_id: %v", result)
	}
	return requestId, nil
}
