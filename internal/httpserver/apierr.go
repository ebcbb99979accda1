package httpserver

import (
	"net/http"

	"github.com/fenwicksec/siem/internal/apierr"
)

// RespondAPIErr writes err using its mapped status/code if it is an
// *apierr.Error, or a generic 500 otherwise.
func RespondAPIErr(w http.ResponseWriter, err error) {
	status, code, message := apierr.StatusAndCode(err)
	RespondError(w, status, code, message)
}
