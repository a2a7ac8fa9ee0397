package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRunID   = "run_id"
	FieldRunHash = "run_hash"
	FieldImageID = "image_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldMode      = "mode"
	FieldWorkers   = "workers"

	// Result fields
	FieldNuclei     = "nuclei"
	FieldThreshold  = "threshold"
	FieldBackground = "background"
	FieldFromCache  = "from_cache"
	FieldState      = "state"

	// Path fields
	FieldPath      = "path"
	FieldOutputDir = "output_dir"
)
