package webhook

import (
	"encoding/json"
	"net/http"

	mfehttp "github.com/SuriyaPasupathi/edx-mfe/http"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// HandlerFunc accepts a course completion notification from the LMS
// and forwards it. The payload must carry username and courseId.
func HandlerFunc(forwarder *Forwarder, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		if r.Method != http.MethodPost {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		body, err := mfehttp.ReadAllAndReplaceBody(r)
		if err != nil {
			logger.Info("msg", "reading body", "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		var completed CourseCompleted
		if err := json.Unmarshal(body, &completed); err != nil {
			logger.Info("msg", "decoding course completion", "err", err)
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		if completed.Username == "" || completed.CourseID == "" {
			http.Error(w, "username and courseId are required", http.StatusBadRequest)
			return
		}

		if err := forwarder.CourseCompleted(r.Context(), &completed); err != nil {
			logger.Info("msg", "forwarding course completion", "err", err)
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}

		logger.Debug("msg", "course completion forwarded", "username", completed.Username, "course_id", completed.CourseID)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"forwarded": true}`))
	}
}
