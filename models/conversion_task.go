package models

// TaskStatus is the status reported by the remote conversion service.
// Unknown values are kept as-is and treated as still in progress.
type TaskStatus string

const (
	TaskStatusWaiting    TaskStatus = "Waiting"
	TaskStatusConverting TaskStatus = "Converting"
	TaskStatusFinished   TaskStatus = "Finished"
	TaskStatusFail       TaskStatus = "Fail"
)

type TaskProgress struct {
	TotalPageSize       int     `json:"totalPageSize"`
	ConvertedPageSize   int     `json:"convertedPageSize"`
	ConvertedPercentage float64 `json:"convertedPercentage"`
}

// ConversionTask is the normalized response of a conversion status query.
type ConversionTask struct {
	UUID         string        `json:"uuid"`
	Type         ResourceType  `json:"type"`
	Status       TaskStatus    `json:"status"`
	FailedReason string        `json:"failedReason,omitempty"`
	Progress     *TaskProgress `json:"progress,omitempty"`
}
