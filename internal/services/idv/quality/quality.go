// Package quality judges captured document images and uploaded file types.
package quality

import (
	"fmt"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
)

// Thresholds are the minimum acceptable metrics, each on a 0..100 scale.
type Thresholds struct {
	MinGlare     int `env:"MIN_GLARE" envDefault:"40" json:"min_glare"`
	MinSharpness int `env:"MIN_SHARPNESS" envDefault:"40" json:"min_sharpness"`
}

// DefaultThresholds matches the production document capture policy.
var DefaultThresholds = Thresholds{MinGlare: 40, MinSharpness: 40}

// VerdictKind classifies an evaluation.
type VerdictKind int

const (
	VerdictAccepted VerdictKind = iota
	VerdictGlareTooLow
	VerdictTooBlurry
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictAccepted:
		return "accepted"
	case VerdictGlareTooLow:
		return "glare_too_low"
	case VerdictTooBlurry:
		return "too_blurry"
	default:
		return fmt.Sprintf("verdict(%d)", int(k))
	}
}

// Verdict is the result of evaluating one capture.
type Verdict struct {
	Kind      VerdictKind
	Glare     int
	Sharpness int
}

// Accepted reports whether the image passed every threshold.
func (v Verdict) Accepted() bool {
	return v.Kind == VerdictAccepted
}

// Err returns the quality rejection for the verdict, or nil when accepted.
func (v Verdict) Err() error {
	switch v.Kind {
	case VerdictGlareTooLow:
		return apperrors.WithMetadata(apperrors.CodeGlareTooLow, "image glare score below threshold", map[string]string{
			"glare": fmt.Sprint(v.Glare),
		})
	case VerdictTooBlurry:
		return apperrors.WithMetadata(apperrors.CodeTooBlurry, "image sharpness score below threshold", map[string]string{
			"sharpness": fmt.Sprint(v.Sharpness),
		})
	default:
		return nil
	}
}

// Normalize clamps both thresholds into 0..100.
func (t Thresholds) Normalize() Thresholds {
	return Thresholds{MinGlare: clamp(t.MinGlare), MinSharpness: clamp(t.MinSharpness)}
}

// Evaluate checks glare before sharpness so at most one rejection is reported.
func (t Thresholds) Evaluate(glare, sharpness int) Verdict {
	t = t.Normalize()
	v := Verdict{Glare: clamp(glare), Sharpness: clamp(sharpness)}
	switch {
	case v.Glare < t.MinGlare:
		v.Kind = VerdictGlareTooLow
	case v.Sharpness < t.MinSharpness:
		v.Kind = VerdictTooBlurry
	default:
		v.Kind = VerdictAccepted
	}
	return v
}

// Evaluate applies DefaultThresholds.
func Evaluate(glare, sharpness int) Verdict {
	return DefaultThresholds.Evaluate(glare, sharpness)
}

// IsRejection reports whether err is a glare or sharpness rejection.
func IsRejection(err error) bool {
	return apperrors.HasCode(err, apperrors.CodeGlareTooLow) || apperrors.HasCode(err, apperrors.CodeTooBlurry)
}

func clamp(value int) int {
	return min(max(value, 0), 100)
}
