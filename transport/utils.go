package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"convertstep/reconciler"

	"github.com/go-playground/validator/v10"
)

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeSuccess(w http.ResponseWriter, code int) {
	writeJSON(w, code, Response{Status: StatusSuccess, Data: struct{}{}})
}

func writeJSONError(w http.ResponseWriter, errorCode string, code int) {
	writeJSON(w, code, Response{Status: StatusFailed, Code: errorCode})
}

// errorResponse maps a reconciliation outcome to an error code and HTTP status.
func errorResponse(kind reconciler.Kind) (string, int) {
	switch kind {
	case reconciler.KindRecordNotFound:
		return CodeFileNotFound, http.StatusNotFound
	case reconciler.KindAlreadyConverted:
		return CodeFileIsConverted, http.StatusConflict
	case reconciler.KindConversionFailed:
		return CodeFileConvertFailed, http.StatusUnprocessableEntity
	case reconciler.KindConversionWaiting:
		return CodeFileIsConvertWaiting, http.StatusTooEarly
	case reconciler.KindConversionInProgress:
		return CodeFileIsConverting, http.StatusTooEarly
	case reconciler.KindConversionNotStarted:
		return CodeFileNotConverting, http.StatusConflict
	case reconciler.KindRemoteQuery:
		return CodeWhiteboardQueryFailed, http.StatusBadGateway
	default:
		return CodeServerFail, http.StatusInternalServerError
	}
}

func validationErrorsToMap(err error) map[string]string {
	errs := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			switch e.Tag() {
			case "required":
				errs[e.Field()] = "is required"
			case "uuid4":
				errs[e.Field()] = "must be a uuid v4"
			default:
				errs[e.Field()] = "invalid value"
			}
		}
	} else {
		errs["error"] = err.Error()
	}
	return errs
}
