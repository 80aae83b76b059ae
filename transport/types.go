package transport

// FinishRequest is the body of both convert endpoints.
type FinishRequest struct {
	FileUUID string `json:"fileUUID" validate:"required,uuid4"`
}

const (
	StatusSuccess = 0
	StatusFailed  = 1
)

type Response struct {
	Status int    `json:"status"`
	Data   any    `json:"data,omitempty"`
	Code   string `json:"code,omitempty"`
}

// ErrorCode values returned to clients in Response.Code.
const (
	CodeParamsCheckFailed     = "ParamsCheckFailed"
	CodeNotPermission         = "NotPermission"
	CodeFileNotFound          = "FileNotFound"
	CodeFileIsConverted       = "FileIsConverted"
	CodeFileConvertFailed     = "FileConvertFailed"
	CodeFileIsConvertWaiting  = "FileIsConvertWaiting"
	CodeFileIsConverting      = "FileIsConverting"
	CodeFileNotConverting     = "FileNotConverting"
	CodeWhiteboardQueryFailed = "WhiteboardQueryFailed"
	CodeServerFail            = "ServerFail"
)
