// Package forensics estimates how likely an image is to be AI generated.
package forensics

import (
	"strings"

	"github.com/fixbounty/fraudguard/internal/imaging"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/rs/zerolog/log"
)

// Indicator names.
const (
	IndicatorCanonicalSize       = "canonical_generator_size"
	IndicatorAISoftware          = "ai_software_tag"
	IndicatorGeneratorParameters = "generator_parameters"
	IndicatorMissingCamera       = "missing_camera_info"
	IndicatorMissingTimestamp    = "missing_timestamp"
	IndicatorLowSensorNoise      = "low_sensor_noise"
)

// Keys of the per-signal score breakdown.
const (
	SignalDimensions = "dimensions"
	SignalMetadata   = "metadata"
	SignalPixels     = "pixels"
)

const (
	dimensionWeight = 0.25
	metadataWeight  = 0.45
	pixelWeight     = 0.30

	strongIndicatorScore = 0.6
	weakIndicatorScore   = 0.25

	// Indicators needed before metadata alone calls an image AI generated.
	likelyAIIndicators = 2
	lowNoiseScore      = 0.7
)

// canonicalSizes are output resolutions of common image generators.
var canonicalSizes = map[[2]int]bool{
	{256, 256}: true, {512, 512}: true, {768, 768}: true,
	{1024, 1024}: true, {2048, 2048}: true,
	{1024, 1792}: true, {1792, 1024}: true,
	{1024, 1536}: true, {1536, 1024}: true,
	{832, 1216}: true, {1216, 832}: true,
	{896, 1152}: true, {1152, 896}: true,
	{512, 768}: true, {768, 512}: true,
}

// generatorTools appear in software tags or PNG text written by generators.
var generatorTools = []string{
	"dall-e", "dall·e", "midjourney", "stable diffusion", "stablediffusion",
	"sdxl", "firefly", "novelai", "comfyui", "automatic1111", "invokeai",
	"leonardo.ai", "ideogram", "imagen", "black forest labs", "runwayml",
}

// generatorKeys are PNG text keywords generators use for their settings.
var generatorKeys = map[string]bool{
	"parameters":        true,
	"prompt":            true,
	"workflow":          true,
	"dream":             true,
	"sd-metadata":       true,
	"invokeai_metadata": true,
}

// Detector combines dimension, metadata and pixel signals.
type Detector struct{}

// NewDetector creates a new generative-image detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Analyze scores data. meta may be nil. Undecodable input yields 0.5.
func (d *Detector) Analyze(data []byte, meta *models.ImageMetadata) models.AiForensicsResult {
	w, h, err := imaging.Dimensions(data)
	if err != nil {
		log.Warn().Err(err).Msg("AI forensics skipped")
		return neutral()
	}
	pixels, err := pixelScore(data)
	if err != nil {
		log.Warn().Err(err).Msg("AI forensics skipped")
		return neutral()
	}

	patterns := []string{}
	dimScore := 0.0
	if IsCanonicalSize(w, h) {
		dimScore = 1
		patterns = append(patterns, IndicatorCanonicalSize)
	}

	indicators := CheckMetadataIndicators(meta, PNGText(data))
	patterns = append(patterns, indicators.Indicators...)
	metaScore := 0.0
	for _, ind := range indicators.Indicators {
		if isStrong(ind) {
			metaScore += strongIndicatorScore
		} else {
			metaScore += weakIndicatorScore
		}
	}
	metaScore = models.ClampUnit(metaScore)

	if pixels >= lowNoiseScore {
		patterns = append(patterns, IndicatorLowSensorNoise)
	}

	confidence := dimensionWeight*dimScore + metadataWeight*metaScore + pixelWeight*pixels
	return models.AiForensicsResult{
		Confidence: models.ClampUnit(confidence),
		Patterns:   patterns,
		Scores: map[string]float64{
			SignalDimensions: dimScore,
			SignalMetadata:   metaScore,
			SignalPixels:     pixels,
		},
	}
}

// IsCanonicalSize reports whether w x h is a typical generator output size.
func IsCanonicalSize(w, h int) bool {
	return canonicalSizes[[2]int{w, h}]
}

// CheckMetadataIndicators lists the metadata hints of a generated image.
// pngText maps PNG text keywords to values and may be nil.
func CheckMetadataIndicators(meta *models.ImageMetadata, pngText map[string]string) models.AiMetadataIndicators {
	indicators := []string{}

	software := ""
	if meta != nil {
		software = meta.Software
	}
	if v, ok := pngText["Software"]; ok && software == "" {
		software = v
	}
	if IsGeneratorTool(software) {
		indicators = append(indicators, IndicatorAISoftware)
	}

	for key, value := range pngText {
		if generatorKeys[strings.ToLower(key)] || (key != "Software" && IsGeneratorTool(value)) {
			indicators = append(indicators, IndicatorGeneratorParameters)
			break
		}
	}

	if !meta.HasCamera() {
		indicators = append(indicators, IndicatorMissingCamera)
	}
	if meta == nil || meta.CaptureTime == nil {
		indicators = append(indicators, IndicatorMissingTimestamp)
	}

	return models.AiMetadataIndicators{
		Indicators: indicators,
		IsLikelyAI: len(indicators) >= likelyAIIndicators,
	}
}

// IsGeneratorTool reports whether s names a known image generator.
func IsGeneratorTool(s string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, tool := range generatorTools {
		if strings.Contains(lower, tool) {
			return true
		}
	}
	return false
}

func isStrong(indicator string) bool {
	return indicator == IndicatorAISoftware || indicator == IndicatorGeneratorParameters
}

func neutral() models.AiForensicsResult {
	return models.AiForensicsResult{
		Confidence: models.NeutralLikelihood,
		Patterns:   []string{},
		Scores:     map[string]float64{},
	}
}
