package fraud

import (
	"context"
	"sync"

	"github.com/fixbounty/fraudguard/internal/fingerprint"
	"github.com/fixbounty/fraudguard/internal/geo"
	"github.com/fixbounty/fraudguard/internal/metadata"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/fixbounty/fraudguard/internal/visual"
)

// Detector names, also the keys of FraudScores.
const (
	DetectorExif      = "exif"
	DetectorDuplicate = "duplicate"
	DetectorGPS       = "gps"
	DetectorVisual    = "visual"
)

// Flags reported in a FraudCheckResult.
const (
	FlagMissingExif     = "missing_exif"
	FlagDuplicate       = "duplicate_image"
	FlagGPSMismatch     = "gps_mismatch"
	FlagCheckFailedTail = "_check_failed"
)

// Input is the shared, read-only view every detector gets of one image.
type Input struct {
	SubmissionID string
	Image        []byte
	ExpectedGPS  *models.GPSPoint

	metadata func() *models.ImageMetadata
}

// NewInput prepares an Input whose metadata is extracted at most once, by
// whichever detector asks first.
func NewInput(submissionID string, image []byte, expected *models.GPSPoint, extractor *metadata.Extractor) *Input {
	return &Input{
		SubmissionID: submissionID,
		Image:        image,
		ExpectedGPS:  expected,
		metadata: sync.OnceValue(func() *models.ImageMetadata {
			return extractor.Extract(image)
		}),
	}
}

// Metadata returns the embedded metadata, or nil when there is none.
func (in *Input) Metadata() *models.ImageMetadata {
	if in.metadata == nil {
		return nil
	}
	return in.metadata()
}

// Signal is one detector's contribution to the verdict.
type Signal struct {
	Score float64 // 0-10, higher is more trustworthy
	Flags []string

	Duplicate   bool
	Fingerprint models.Fingerprint
}

// Detector scores one aspect of a submitted image.
type Detector interface {
	Name() string
	Detect(ctx context.Context, in *Input) (Signal, error)
}

type authenticityDetector struct {
	scorer *metadata.Scorer
}

// NewAuthenticityDetector scores the embedded metadata.
func NewAuthenticityDetector(scorer *metadata.Scorer) Detector {
	return &authenticityDetector{scorer: scorer}
}

func (d *authenticityDetector) Name() string { return DetectorExif }

func (d *authenticityDetector) Detect(_ context.Context, in *Input) (Signal, error) {
	meta := in.Metadata()
	a := d.scorer.Assess(meta)

	sig := Signal{Score: float64(a.ConfidenceScore)}
	if meta == nil {
		sig.Flags = append(sig.Flags, FlagMissingExif)
		return sig, nil
	}
	for _, f := range a.MissingCriticalFields {
		sig.Flags = append(sig.Flags, "missing_"+f)
	}
	for _, f := range a.SuspiciousFields {
		sig.Flags = append(sig.Flags, "suspicious_"+f)
	}
	return sig, nil
}

type duplicateDetector struct {
	engine *fingerprint.Engine
	dups   *fingerprint.DuplicateDetector
}

// NewDuplicateDetector fingerprints the image and looks for reuse across
// other submissions.
func NewDuplicateDetector(engine *fingerprint.Engine, dups *fingerprint.DuplicateDetector) Detector {
	return &duplicateDetector{engine: engine, dups: dups}
}

func (d *duplicateDetector) Name() string { return DetectorDuplicate }

func (d *duplicateDetector) Detect(ctx context.Context, in *Input) (Signal, error) {
	fp, err := d.engine.Compute(in.Image)
	if err != nil {
		return Signal{}, err
	}

	res := d.dups.Check(ctx, fp, in.SubmissionID)
	if !res.IsDuplicate {
		return Signal{Score: models.MaxScore, Fingerprint: fp}, nil
	}
	return Signal{
		Score:       models.MinScore,
		Flags:       []string{FlagDuplicate},
		Duplicate:   true,
		Fingerprint: fp,
	}, nil
}

type gpsDetector struct {
	radius float64
}

// NewGPSDetector compares embedded GPS against the expected location.
func NewGPSDetector(radiusMeters float64) Detector {
	return &gpsDetector{radius: radiusMeters}
}

func (d *gpsDetector) Name() string { return DetectorGPS }

func (d *gpsDetector) Detect(_ context.Context, in *Input) (Signal, error) {
	if in.ExpectedGPS == nil {
		return Signal{Score: models.NeutralScore}, nil
	}

	var embedded *models.GPSPoint
	if meta := in.Metadata(); meta != nil {
		embedded = meta.GPS
	}

	res := geo.VerifyMatch(embedded, *in.ExpectedGPS, d.radius)
	sig := Signal{Score: float64(res.ConfidenceScore)}
	if res.DistanceMeters != geo.NotEvaluable && !res.Matches {
		sig.Flags = []string{FlagGPSMismatch}
	}
	return sig, nil
}

type visualDetector struct {
	analyzer *visual.Analyzer
}

// NewVisualDetector scores pixel statistics.
func NewVisualDetector(analyzer *visual.Analyzer) Detector {
	return &visualDetector{analyzer: analyzer}
}

func (d *visualDetector) Name() string { return DetectorVisual }

func (d *visualDetector) Detect(_ context.Context, in *Input) (Signal, error) {
	res := d.analyzer.Analyze(in.Image)
	sig := Signal{Score: float64(res.ConfidenceScore)}
	for _, p := range res.SuspiciousPatterns {
		sig.Flags = append(sig.Flags, "visual_"+p)
	}
	return sig, nil
}
