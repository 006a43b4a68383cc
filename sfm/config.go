package sfm

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/nmichlo/sfmgo/robustweight"
)

// LoadOptionsFromINI reads a [solver] section from an ini file and overlays
// it onto DefaultSolverOptions, mirroring the teacher's seqinfo.ini loading
// idiom (video.go's NewVideoFromFrames) for the thresholds spec.md §6
// names as solver configuration.
func LoadOptionsFromINI(path string) (SolverOptions, error) {
	opts := DefaultSolverOptions()

	cfg, err := ini.Load(path)
	if err != nil {
		return opts, fmt.Errorf("sfm: failed to load solver options from %s: %w", path, err)
	}
	section := cfg.Section("solver")

	opts.MaxStaticRatio = section.Key("max_static_ratio").MustFloat64(opts.MaxStaticRatio)
	opts.MaxKeyframes = section.Key("max_keyframes").MustInt(opts.MaxKeyframes)
	opts.MinKeyframes = section.Key("min_keyframes").MustInt(opts.MinKeyframes)
	opts.RansacIterations = section.Key("ransac_iterations").MustInt(opts.RansacIterations)
	opts.RansacSqrErr = section.Key("ransac_sqr_err").MustFloat64(opts.RansacSqrErr)
	opts.RansacMinSamples = section.Key("ransac_min_samples").MustInt(opts.RansacMinSamples)
	opts.MinCorrespondenceRatio = section.Key("min_correspondence_ratio").MustFloat64(opts.MinCorrespondenceRatio)
	opts.MaxRobustErr = section.Key("max_robust_err").MustFloat64(opts.MaxRobustErr)
	opts.MinObservations = section.Key("min_observations").MustInt(opts.MinObservations)
	opts.MinBaseline = section.Key("min_baseline").MustFloat64(opts.MinBaseline)

	if name := section.Key("estimator").MustString(""); name != "" {
		est, ok := parseEstimator(name)
		if !ok {
			return opts, fmt.Errorf("sfm: unknown estimator %q in %s", name, path)
		}
		opts.Estimator = est
	}

	opts.RotationAngleThresholds[0] = section.Key("rotation_tiny_deg").MustFloat64(opts.RotationAngleThresholds[0])
	opts.RotationAngleThresholds[1] = section.Key("rotation_moderate_deg").MustFloat64(opts.RotationAngleThresholds[1])
	opts.RotationAngleThresholds[2] = section.Key("rotation_significant_deg").MustFloat64(opts.RotationAngleThresholds[2])
	opts.TranslationAngleThresholds[0] = section.Key("translation_tiny_deg").MustFloat64(opts.TranslationAngleThresholds[0])
	opts.TranslationAngleThresholds[1] = section.Key("translation_moderate_deg").MustFloat64(opts.TranslationAngleThresholds[1])
	opts.TranslationAngleThresholds[2] = section.Key("translation_significant_deg").MustFloat64(opts.TranslationAngleThresholds[2])

	return opts, nil
}

func parseEstimator(name string) (robustweight.Estimator, bool) {
	switch strings.ToLower(name) {
	case "square":
		return robustweight.Square, true
	case "linear":
		return robustweight.Linear, true
	case "huber":
		return robustweight.Huber, true
	case "tukey":
		return robustweight.Tukey, true
	case "cauchy":
		return robustweight.Cauchy, true
	default:
		return 0, false
	}
}
