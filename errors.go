package dynext

import "errors"

// Sentinel errors for the construction-time validation spec §4.6 calls
// for ("the tagging delete policy is only legal with the serial
// scheduler"). Capacity exhaustion, erase-misses, and other user-visible
// outcomes (spec §7) are not errors and are returned as plain booleans,
// matching the teacher's convention of reserving error returns for
// genuinely exceptional paths.
var (
	ErrTaggingRequiresSerialScheduler = errors.New("dynext: delete policy TAGGING requires the serial scheduler")
	ErrMissingCompare                 = errors.New("dynext: Options.Compare is required")
	ErrMissingFactory                 = errors.New("dynext: Options.Factory is required")
	ErrInvalidScaleFactor             = errors.New("dynext: Options.ScaleFactor must be >= 2")
	ErrInvalidWatermarks              = errors.New("dynext: Options.BufferLWM must be < BufferHWM <= BufferCap")
	ErrInvalidMaxDeleteProp           = errors.New("dynext: Options.MaxDeleteProp must be in (0, 1)")
)
