package services

import (
	"fmt"
	"strings"

	"atelierapi/models"
)

// Prompt composition is deterministic: identical inputs always yield an
// identical string so prompts can be golden-file tested without touching
// the network.

const marketingRoleFraming = "Generate a fashion-style commercial marketing photograph of the model from the first image wearing the garment from the second image, keeping the model's identity, personality and facial identity 100% the same."

const calibrationRoleFraming = "Generate a hyper-realistic full-body head to toe fashion e-commerce portrait of a synthetic model. The person does not exist, keep the face consistent and reusable across every image of this batch."

const qualitySuffix = "Natural, soft and professional lighting on the subject, high-resolution, clean all background elements, watermarks and other people or objects."

var lightingDescriptions = map[string]string{
	"studio":    "Bright even studio softbox lighting with no harsh shadows.",
	"golden":    "Warm golden hour sunlight with long soft shadows.",
	"overcast":  "Diffuse overcast daylight, neutral white balance.",
	"editorial": "Dramatic directional editorial lighting with controlled contrast.",
	"neon":      "Vivid neon accent lighting with saturated color spill.",
}

var framingDescriptions = map[string]string{
	"full_body":     "Full body head to toe framing, subject centered taking 70% of the frame.",
	"three_quarter": "Three quarter framing from mid-thigh up.",
	"half_body":     "Half body framing from the waist up.",
	"portrait":      "Portrait framing, head and shoulders.",
	"close_up":      "Close up framing on the garment detail.",
}

func describeLighting(preset string) string {
	if d, ok := lightingDescriptions[preset]; ok {
		return d
	}
	return "Natural balanced lighting."
}

func describeFraming(framing string) string {
	if d, ok := framingDescriptions[framing]; ok {
		return d
	}
	return framingDescriptions["full_body"]
}

// ComposeMarketingPrompt builds the prompt for a marketing generation:
// role framing, scene, lighting, framing, optional texture preferences,
// quality suffix, in that order.
func ComposeMarketingPrompt(identity *models.ModelIdentity, req *models.GenerationRequest) string {
	lighting := identity.LightingPreset
	if req.LightingPreset != nil {
		lighting = *req.LightingPreset
	}
	framing := identity.CameraFraming
	if req.CameraFraming != nil {
		framing = *req.CameraFraming
	}
	background := identity.Background
	if req.Background != nil {
		background = *req.Background
	}

	parts := []string{
		marketingRoleFraming,
		fmt.Sprintf("Scene: %s", req.ScenePrompt),
	}
	if background != "" {
		parts = append(parts, fmt.Sprintf("Background: %s.", background))
	}
	if identity.Pose != "" {
		parts = append(parts, fmt.Sprintf("Pose: %s.", identity.Pose))
	}
	if identity.Expression != "" {
		parts = append(parts, fmt.Sprintf("Expression: %s.", identity.Expression))
	}
	parts = append(parts, describeLighting(lighting), describeFraming(framing))
	if len(identity.TexturePreferences) > 0 {
		parts = append(parts, fmt.Sprintf("Emphasize fabric textures: %s.", strings.Join(identity.TexturePreferences, ", ")))
	}
	if identity.PostProcessingStyle != "" {
		parts = append(parts, fmt.Sprintf("Post-processing style: %s.", identity.PostProcessingStyle))
	}
	parts = append(parts, qualitySuffix)
	return strings.Join(parts, " ")
}

// ComposeCalibrationPrompt builds the identity discovery prompt from the
// demographic attributes plus an optional free text hint.
func ComposeCalibrationPrompt(identity *models.ModelIdentity, textPrompt string) string {
	parts := []string{calibrationRoleFraming}
	var traits []string
	if identity.Gender != "" {
		traits = append(traits, identity.Gender)
	}
	if identity.AgeRange != "" {
		traits = append(traits, fmt.Sprintf("age %s", identity.AgeRange))
	}
	if identity.Ethnicity != "" {
		traits = append(traits, identity.Ethnicity)
	}
	if identity.BodyType != "" {
		traits = append(traits, fmt.Sprintf("%s body type", identity.BodyType))
	}
	if len(traits) > 0 {
		parts = append(parts, fmt.Sprintf("Subject: %s.", strings.Join(traits, ", ")))
	}
	if textPrompt != "" {
		parts = append(parts, fmt.Sprintf("Additional direction: %s", textPrompt))
	}
	parts = append(parts, describeLighting(identity.LightingPreset), describeFraming(identity.CameraFraming))
	if identity.Background != "" {
		parts = append(parts, fmt.Sprintf("Background: %s.", identity.Background))
	}
	parts = append(parts, qualitySuffix)
	return strings.Join(parts, " ")
}
