package models

// ConvertStep is the persisted lifecycle stage of a file's conversion.
// Values are stored verbatim in cloud_storage_files.convert_step.
type ConvertStep string

const (
	ConvertStepNone       ConvertStep = "None"
	ConvertStepConverting ConvertStep = "Converting"
	ConvertStepDone       ConvertStep = "Done"
	ConvertStepFailed     ConvertStep = "Failed"
)

func (s ConvertStep) Valid() bool {
	switch s {
	case ConvertStepNone, ConvertStepConverting, ConvertStepDone, ConvertStepFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s ConvertStep) Terminal() bool {
	return s == ConvertStepDone || s == ConvertStepFailed
}

// CanAdvanceTo enforces None -> Converting -> {Done, Failed}.
func (s ConvertStep) CanAdvanceTo(next ConvertStep) bool {
	switch s {
	case ConvertStepNone:
		return next == ConvertStepConverting || next == ConvertStepDone || next == ConvertStepFailed
	case ConvertStepConverting:
		return next == ConvertStepDone || next == ConvertStepFailed
	}
	return false
}

// OwnedRecord is the result of an ownership lookup.
type OwnedRecord struct {
	FileID  string
	OwnerID string
}

// ConvertRecord holds the fields reconciliation needs for one file.
type ConvertRecord struct {
	FileID           string
	ResourceLocation string
	ConvertStep      ConvertStep
	TaskID           string
	Region           string
}

// HasTask reports whether the remote conversion job coordinates are set.
func (r *ConvertRecord) HasTask() bool {
	return r.TaskID != "" && r.Region != ""
}
