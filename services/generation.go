package services

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"atelierapi/models"
)

// CheckGenerationInputs verifies the referenced aggregates are usable for
// a marketing generation. Both the HTTP submission path and the worker
// re-check through this, the identity or garment can change state between
// enqueue and execution.
func CheckGenerationInputs(identity *models.ModelIdentity, garment *models.GarmentAsset) error {
	if identity.Status != models.IdentityStatusActive || identity.LockedIdentityURL == nil {
		return &PreconditionFailedError{Message: fmt.Sprintf("model identity %d is %s, an active identity with a locked reference is required", identity.ID, identity.Status)}
	}
	if !garment.Ready() {
		return &PreconditionFailedError{Message: fmt.Sprintf("garment asset %d is %s, a ready garment is required", garment.ID, garment.Status)}
	}
	return nil
}

// GenModelName is the image generation backend model.
type GenModelName int32

const (
	Flash25Image GenModelName = iota
	Pro25
)

func (t GenModelName) String() string {
	switch t {
	case Flash25Image:
		return "gemini-2.5-flash-image-preview"
	case Pro25:
		return "gemini-2.5-pro"
	default:
		return "gemini-2.5-flash-image-preview"
	}
}

// The vendor accepts at most this many images per call, inputs and
// outputs combined. Requested output counts are clamped down to whatever
// budget the reference images leave.
const VendorImageBudget = 15

const (
	defaultAttemptTimeout = 60 * time.Second
	defaultMaxAttempts    = 4
	baseBackoff           = 2 * time.Second
)

// GeneratedAsset is one produced image as returned by the vendor, before
// it is persisted into tenant storage.
type GeneratedAsset struct {
	ImageID     string
	Data        []byte
	URL         string
	MimeType    string
	AspectRatio string
	Width       int
	Height      int
	Seed        *int64
	VendorModel string
}

type GenerationProcessor interface {
	GenerateImages(ctx context.Context, lockedIdentityURL string, garmentURL string, prompt string, aspectRatios []string, count int) ([]GeneratedAsset, error)
	GenerateCalibrationImages(ctx context.Context, prompt string, referenceURLs []string, count int, sequential bool) ([]GeneratedAsset, error)
}

// GoogleGenerationClient talks to the Gemini image API. With no
// GOOGLE_API_KEY configured it runs in mock mode: deterministic synthetic
// results with simulated latency, so everything above this layer is
// testable offline.
type GoogleGenerationClient struct {
	Model          GenModelName
	MaxAttempts    int
	AttemptTimeout time.Duration
	MockLatency    time.Duration
}

func (c *GoogleGenerationClient) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return defaultMaxAttempts
}

func (c *GoogleGenerationClient) attemptTimeout() time.Duration {
	if c.AttemptTimeout > 0 {
		return c.AttemptTimeout
	}
	return defaultAttemptTimeout
}

// clampOutputCount enforces the vendor image budget. It prefers shrinking
// the request over failing it and logs the adjustment.
func clampOutputCount(inputImages, requested int) int {
	remaining := VendorImageBudget - inputImages
	if requested <= remaining {
		return requested
	}
	if remaining < 0 {
		remaining = 0
	}
	fmt.Printf("[Vendor] Requested %d outputs with %d input images, clamping to %d to fit the budget of %d\n", requested, inputImages, remaining, VendorImageBudget)
	return remaining
}

var retryDelayRule = regexp.MustCompile(`(\d+(?:\.\d+)?)s`)

func parseRetryAfterHint(message string) time.Duration {
	idx := strings.Index(message, "retryDelay")
	if idx < 0 {
		return 0
	}
	match := retryDelayRule.FindStringSubmatch(message[idx:])
	if len(match) < 2 {
		return 0
	}
	seconds, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func isRateLimitedMessage(message string) bool {
	return strings.Contains(message, "429") || strings.Contains(message, "RESOURCE_EXHAUSTED")
}

func isTransientMessage(message string) bool {
	return strings.Contains(message, "deadline exceeded") ||
		strings.Contains(message, "connection reset") ||
		strings.Contains(message, "timeout") ||
		strings.Contains(message, "EOF") ||
		strings.Contains(message, "503") ||
		strings.Contains(message, "UNAVAILABLE")
}

// GenerateImages produces marketing images for an already locked
// identity. Inputs are the locked identity image and the garment photo,
// so up to 13 outputs fit the budget. Images cycle through the requested
// aspect ratios.
func (c *GoogleGenerationClient) GenerateImages(ctx context.Context, lockedIdentityURL string, garmentURL string, prompt string, aspectRatios []string, count int) ([]GeneratedAsset, error) {
	count = clampOutputCount(2, count)
	if count == 0 {
		return nil, &VendorError{Code: 400, Type: "invalid_request", Message: "no output budget left after input images"}
	}
	if os.Getenv("GOOGLE_API_KEY") == "" {
		return c.mockGenerate(prompt, aspectRatios, count), nil
	}

	identityBytes, err := ReadFileFromUrl(lockedIdentityURL)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("fetching locked identity image: %w", err)}
	}
	garmentBytes, err := ReadFileFromUrl(garmentURL)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("fetching garment image: %w", err)}
	}

	var assets []GeneratedAsset
	for i := 0; i < count; i++ {
		ratio := aspectRatios[i%len(aspectRatios)]
		parts := []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: http.DetectContentType(identityBytes), Data: identityBytes}},
			{InlineData: &genai.Blob{MIMEType: http.DetectContentType(garmentBytes), Data: garmentBytes}},
			{Text: fmt.Sprintf("%s Aspect ratio %s.", prompt, ratio)},
		}
		images, err := c.generateWithRetry(ctx, parts, 1)
		if err != nil {
			// keep images already produced, the caller persists partials
			return assets, err
		}
		for _, data := range images {
			assets = append(assets, c.asAsset(data, ratio))
		}
	}
	return assets, nil
}

// GenerateCalibrationImages produces the identity discovery batch. It
// works with zero reference images (prompt only path) or up to 14. In
// sequential mode the whole batch is asked for in one call so the vendor
// keeps the face consistent across it.
func (c *GoogleGenerationClient) GenerateCalibrationImages(ctx context.Context, prompt string, referenceURLs []string, count int, sequential bool) ([]GeneratedAsset, error) {
	count = clampOutputCount(len(referenceURLs), count)
	if count == 0 {
		fmt.Printf("[Vendor] Calibration with %d reference images leaves no output budget, producing nothing\n", len(referenceURLs))
		return nil, nil
	}
	if os.Getenv("GOOGLE_API_KEY") == "" {
		return c.mockGenerate(prompt, []string{"9:16"}, count), nil
	}

	var refParts []*genai.Part
	for i, url := range referenceURLs {
		refBytes, err := ReadFileFromUrl(url)
		if err != nil {
			return nil, &TransientError{Err: fmt.Errorf("fetching reference image %d: %w", i, err)}
		}
		refParts = append(refParts, &genai.Part{InlineData: &genai.Blob{MIMEType: http.DetectContentType(refBytes), Data: refBytes}})
	}

	var assets []GeneratedAsset
	if sequential {
		parts := append(refParts, &genai.Part{Text: fmt.Sprintf("%s Produce %d mutually consistent images of the same person as an ordered batch. Aspect ratio 9:16.", prompt, count)})
		images, err := c.generateWithRetry(ctx, parts, count)
		if err != nil {
			return assets, err
		}
		for _, data := range images {
			assets = append(assets, c.asAsset(data, "9:16"))
		}
		return assets, nil
	}
	for i := 0; i < count; i++ {
		parts := append(append([]*genai.Part{}, refParts...), &genai.Part{Text: fmt.Sprintf("%s Aspect ratio 9:16.", prompt)})
		images, err := c.generateWithRetry(ctx, parts, 1)
		if err != nil {
			return assets, err
		}
		for _, data := range images {
			assets = append(assets, c.asAsset(data, "9:16"))
		}
	}
	return assets, nil
}

func (c *GoogleGenerationClient) asAsset(data []byte, ratio string) GeneratedAsset {
	width, height := 0, 0
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		width, height = cfg.Width, cfg.Height
	}
	return GeneratedAsset{
		ImageID:     fmt.Sprintf("%x", md5.Sum(data)),
		Data:        data,
		MimeType:    http.DetectContentType(data),
		AspectRatio: ratio,
		Width:       width,
		Height:      height,
		VendorModel: c.Model.String(),
	}
}

// generateWithRetry runs one logical vendor call with a bounded timeout
// per attempt. Explicit rate limits honor the retry-after hint, transient
// network failures back off exponentially, anything else fails
// immediately with the vendor's code and message untouched.
func (c *GoogleGenerationClient) generateWithRetry(ctx context.Context, parts []*genai.Part, candidateCount int) ([][]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts(); attempt++ {
		if attempt > 0 {
			backoff := baseBackoff * time.Duration(1<<(attempt-1))
			if hint := parseRetryAfterHint(lastErr.Error()); hint > backoff {
				backoff = hint
			}
			fmt.Printf("[Vendor] Attempt %d failed (%v), backing off %s\n", attempt, lastErr, backoff)
			select {
			case <-ctx.Done():
				return nil, &TransientError{Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}
		images, err := c.generateOnce(ctx, parts, candidateCount)
		if err == nil {
			return images, nil
		}
		message := err.Error()
		if isRateLimitedMessage(message) || isTransientMessage(message) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, &TransientError{Err: fmt.Errorf("vendor call failed after %d attempts: %w", c.maxAttempts(), lastErr)}
}

func (c *GoogleGenerationClient) generateOnce(ctx context.Context, parts []*genai.Part, candidateCount int) ([][]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout())
	defer cancel()

	client, err := genai.NewClient(attemptCtx, &genai.ClientConfig{
		APIKey:  os.Getenv("GOOGLE_API_KEY"),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	result, err := client.Models.GenerateContent(attemptCtx, c.Model.String(), []*genai.Content{{Parts: parts}}, &genai.GenerateContentConfig{
		CandidateCount:  int32(candidateCount),
		MaxOutputTokens: 50000,
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{
				{Text: "You generate commercial fashion photography. Output only images, no text."},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if result.PromptFeedback != nil {
		return nil, &VendorError{Code: 400, Type: "content_violation", Message: string(result.PromptFeedback.BlockReason) + " " + result.PromptFeedback.BlockReasonMessage}
	}

	var images [][]byte
	for _, cand := range result.Candidates {
		for _, rating := range cand.SafetyRatings {
			if rating.Blocked {
				return nil, &VendorError{Code: 400, Type: "content_violation", Message: fmt.Sprintf("content blocked by safety setting: %s", rating.Category)}
			}
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "image/") && len(part.InlineData.Data) > 0 {
				images = append(images, part.InlineData.Data)
			}
		}
	}
	if len(images) == 0 {
		return nil, &VendorError{Code: 502, Type: "empty_response", Message: "vendor returned no image candidates"}
	}
	return images, nil
}

// mockGenerate is the offline path: fixed latency, solid color PNGs whose
// pixels and ids derive only from the prompt, so repeated calls with the
// same inputs are byte identical.
func (c *GoogleGenerationClient) mockGenerate(prompt string, aspectRatios []string, count int) []GeneratedAsset {
	latency := c.MockLatency
	if latency > 0 {
		time.Sleep(latency)
	}
	var assets []GeneratedAsset
	for i := 0; i < count; i++ {
		ratio := aspectRatios[i%len(aspectRatios)]
		width, height := mockDimensions(ratio)
		sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%d", prompt, ratio, i)))
		data := solidPNG(width, height, color.RGBA{R: sum[0], G: sum[1], B: sum[2], A: 255})
		seed := int64(sum[3])<<8 | int64(sum[4])
		assets = append(assets, GeneratedAsset{
			ImageID:     fmt.Sprintf("%x", sum),
			Data:        data,
			MimeType:    "image/png",
			AspectRatio: ratio,
			Width:       width,
			Height:      height,
			Seed:        &seed,
			VendorModel: "mock-" + c.Model.String(),
		})
	}
	return assets
}

func mockDimensions(ratio string) (int, int) {
	switch ratio {
	case "1:1":
		return 64, 64
	case "16:9":
		return 128, 72
	case "9:16":
		return 72, 128
	case "4:3":
		return 96, 72
	case "3:4":
		return 72, 96
	default:
		return 64, 64
	}
}

func solidPNG(width, height int, fill color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

// streamEvent is one `data:` frame of the vendor's event-stream response.
type streamEvent struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
	Image *struct {
		ID          string `json:"id"`
		URL         string `json:"url"`
		Thumbnail   string `json:"thumbnail,omitempty"`
		AspectRatio string `json:"aspect_ratio"`
		Width       int    `json:"width"`
		Height      int    `json:"height"`
		Seed        *int64 `json:"seed,omitempty"`
	} `json:"image,omitempty"`
}

// GenerateImagesStream consumes the vendor's streaming endpoint and calls
// onImage once per "partial_succeeded" event, so large batches deliver
// results as they finish instead of at the end. The endpoint base URL
// comes from VENDOR_STREAM_URL and is normally only set in environments
// with a REST compatible vendor gateway.
func (c *GoogleGenerationClient) GenerateImagesStream(ctx context.Context, prompt string, aspectRatios []string, count int, onImage func(GeneratedAsset) error) error {
	endpoint := os.Getenv("VENDOR_STREAM_URL")
	if endpoint == "" {
		return &VendorError{Code: 400, Type: "not_configured", Message: "VENDOR_STREAM_URL is not set"}
	}
	count = clampOutputCount(2, count)

	body, err := json.Marshal(map[string]interface{}{
		"prompt":        prompt,
		"aspect_ratios": aspectRatios,
		"count":         count,
		"stream":        true,
	})
	if err != nil {
		return err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(attemptCtx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &VendorError{Code: resp.StatusCode, Type: "stream_rejected", Message: string(respBody)}
	}

	handleFrame := func(payload []byte) error {
		var event streamEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			fmt.Printf("[Vendor] Skipping unparsable stream frame: %v\n", err)
			return nil
		}
		switch event.Type {
		case "partial_succeeded":
			if event.Image == nil {
				return nil
			}
			// the id becomes the storage key, so frames without
			// one still need something unique
			imageID := event.Image.ID
			if imageID == "" {
				imageID = uuid.NewString()
			}
			asset := GeneratedAsset{
				ImageID:     imageID,
				URL:         event.Image.URL,
				AspectRatio: event.Image.AspectRatio,
				Width:       event.Image.Width,
				Height:      event.Image.Height,
				Seed:        event.Image.Seed,
				VendorModel: c.Model.String(),
			}
			return onImage(asset)
		case "failed":
			return &VendorError{Code: 502, Type: "stream_failed", Message: event.Error}
		}
		return nil
	}

	parser := &EventStreamParser{}
	chunk := make([]byte, 4096)
	for !parser.Done() {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			for _, payload := range parser.Feed(chunk[:n]) {
				if err := handleFrame(payload); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			// gateways sometimes close the socket without terminating
			// the last frame with a newline
			for _, payload := range parser.Flush() {
				if err := handleFrame(payload); err != nil {
					return err
				}
			}
			break
		}
		if readErr != nil {
			return &TransientError{Err: readErr}
		}
	}
	return nil
}
