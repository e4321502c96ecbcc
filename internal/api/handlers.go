package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/collabhub/activity/infrastructure/errors"
	"github.com/collabhub/activity/infrastructure/httputil"
	"github.com/collabhub/activity/internal/activity/model"
)

const (
	defaultStreamLimit = 10
	maxStreamLimit     = 25
)

// handler bundles the activity module's HTTP endpoints.
type handler struct {
	activity *Activity
}

func newHandler(activity *Activity) *handler {
	return &handler{activity: activity}
}

func streamFormat(r *http.Request) string {
	format := httputil.QueryString(r, "format", "internal")
	if format != "activitystreams" && format != "internal" {
		return ""
	}
	return format
}

func writeServiceError(w http.ResponseWriter, err error) {
	if svcErr := errors.GetServiceError(err); svcErr != nil {
		httputil.WriteErrorWithCode(w, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message)
		return
	}
	httputil.InternalError(w, err.Error())
}

// getCurrentUserActivityStream handles GET /api/activity: the
// authenticated caller's own activity feed.
func (h *handler) getCurrentUserActivityStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	h.respondActivityStream(w, r, userID, userID)
}

// getResourceActivityStream handles GET /api/activity/{resourceId}: a
// principal's activity feed as seen by the (optionally anonymous) caller.
func (h *handler) getResourceActivityStream(w http.ResponseWriter, r *http.Request) {
	resourceID := mux.Vars(r)["resourceId"]
	if resourceID == "" {
		httputil.BadRequest(w, "resourceId is required")
		return
	}
	h.respondActivityStream(w, r, httputil.GetUserID(r), resourceID)
}

func (h *handler) respondActivityStream(w http.ResponseWriter, r *http.Request, viewerID, principalID string) {
	format := streamFormat(r)
	if format == "" {
		httputil.BadRequest(w, "format must be activitystreams or internal")
		return
	}
	start := httputil.QueryString(r, "start", "")
	limit := httputil.QueryInt(r, "limit", defaultStreamLimit)
	if limit < 1 || limit > maxStreamLimit {
		limit = defaultStreamLimit
	}

	items, nextToken, err := h.activity.GetActivityStream(r.Context(), viewerID, principalID, start, limit, format)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items, "nextToken": nextToken})
}

// getNotificationStream handles GET /api/notifications.
func (h *handler) getNotificationStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	format := streamFormat(r)
	if format == "" {
		httputil.BadRequest(w, "format must be activitystreams or internal")
		return
	}
	start := httputil.QueryString(r, "start", "")
	limit := httputil.QueryInt(r, "limit", defaultStreamLimit)
	if limit < 1 || limit > maxStreamLimit {
		limit = defaultStreamLimit
	}

	items, nextToken, err := h.activity.GetNotificationStream(r.Context(), userID, start, limit, format)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items, "nextToken": nextToken})
}

// markNotificationsRead handles POST /api/notifications/markRead.
func (h *handler) markNotificationsRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	markedAtMillis, err := h.activity.MarkNotificationsRead(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"markedAtMillis": markedAtMillis})
}

// postActivity handles the internal postActivity ingress operation,
// exposed for services within the platform that originate activity seeds.
func (h *handler) postActivity(w http.ResponseWriter, r *http.Request) {
	var seed model.ActivitySeed
	if !httputil.DecodeJSON(w, r, &seed) {
		return
	}
	routed, err := h.activity.PostActivity(r.Context(), seed)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"routed": len(routed)})
}

// removeActivityStream handles the admin-only removeActivityStream ingress
// operation.
func (h *handler) removeActivityStream(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireAdminRole(w, r) {
		return
	}
	resourceID := mux.Vars(r)["resourceId"]
	if resourceID == "" {
		httputil.BadRequest(w, "resourceId is required")
		return
	}
	if err := h.activity.RemoveActivityStream(r.Context(), resourceID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
