package api

import (
	"context"
	"net/http"
	"time"

	"chapterhub/internal/cache"
)

const healthProbeTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// componentHealth checks each dependency. Only a degraded datastore turns
// the response into a 503; the read path survives without a cache.
func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error, critical bool) componentStatus {
		if err == nil {
			return componentStatus{Component: component, Status: "ok"}
		}
		overallStatus = "degraded"
		if critical {
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: "degraded", Error: err.Error()}
	}

	components := make([]componentStatus, 0, 2)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx), true))
	}

	if cache.IsDisabled(h.Cache) {
		components = append(components, componentStatus{Component: "cache", Status: "disabled"})
	} else {
		components = append(components, recordComponent("cache", h.Cache.Ping(ctx), false))
	}

	return components, overallStatus, statusCode
}
