package meshtrack

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// LoadTrackerConfigFromINI reads a [meshtrack] section from an ini file and
// overlays it onto DefaultTrackerConfig, the same seqinfo.ini-style loading
// idiom package sfm uses for SolverOptions.
func LoadTrackerConfigFromINI(path string) (TrackerConfig, error) {
	cfg := DefaultTrackerConfig()

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("meshtrack: failed to load tracker config from %s: %w", path, err)
	}
	section := f.Section("meshtrack")

	cfg.MinTrackedPoints = section.Key("min_tracked_points").MustInt(cfg.MinTrackedPoints)
	cfg.ConcurrentTrackedObjectLimit = section.Key("concurrent_tracked_object_limit").MustInt(cfg.ConcurrentTrackedObjectLimit)
	cfg.MaxFeatures = section.Key("max_features").MustInt(cfg.MaxFeatures)
	cfg.RansacIterations = section.Key("ransac_iterations").MustInt(cfg.RansacIterations)
	cfg.RecognitionCadenceWithTrackedObjects = section.Key("recognition_cadence_with_tracked_objects").MustFloat64(cfg.RecognitionCadenceWithTrackedObjects)
	cfg.RecognitionCadenceWithoutTrackedObjects = section.Key("recognition_cadence_without_tracked_objects").MustFloat64(cfg.RecognitionCadenceWithoutTrackedObjects)
	cfg.TrackingRectificationDeadline = section.Key("tracking_rectification_deadline").MustFloat64(cfg.TrackingRectificationDeadline)
	cfg.RecognitionRectificationDeadline = section.Key("recognition_rectification_deadline").MustFloat64(cfg.RecognitionRectificationDeadline)
	cfg.MaximalPoseGuessAge = section.Key("maximal_pose_guess_age").MustFloat64(cfg.MaximalPoseGuessAge)

	return cfg, nil
}
