package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/errring"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/guard"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/supervisor"
)

// CycleController is the supervisor-side surface the API drives.
type CycleController interface {
	Status() supervisor.Status
	Connectivity() model.ConnectivityStatus
	TriggerCollect() error
	TriggerUpload() error
	TriggerSync() error
}

// TenantStore reads the mirrored tenant row.
type TenantStore interface {
	GetTenant(ctx context.Context) (*model.Tenant, error)
}

// Pinger checks database liveness. Satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type healthResponse struct {
	Status   string `json:"status"`
	DBOk     bool   `json:"dbOk"`
	RemoteOk bool   `json:"remoteOk"`
}

// HandleHealth reports process, database and remote health. Public, no auth.
func HandleHealth(db Pinger, ctrl CycleController) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{
			Status:   "ok",
			DBOk:     db.PingContext(ctx) == nil,
			RemoteOk: ctrl.Connectivity().IsConnected,
		}
		if !resp.DBOk {
			resp.Status = "degraded"
		}
		WriteJSON(w, http.StatusOK, resp)
	})
}

// HandleStatus returns the aggregated cycle snapshot.
func HandleStatus(ctrl CycleController) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, ctrl.Status())
	})
}

// HandleCollect triggers a collection cycle.
func HandleCollect(ctrl CycleController) http.Handler {
	return triggerHandler(ctrl.TriggerCollect)
}

// HandleUpload triggers an upload cycle. Rejected with 503 while the remote
// is unreachable, since the cycle would skip itself anyway.
func HandleUpload(ctrl CycleController) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ctrl.Connectivity().IsConnected {
			WriteError(w, http.StatusServiceUnavailable, "DISCONNECTED",
				"remote API is unreachable")
			return
		}
		triggerHandler(ctrl.TriggerUpload).ServeHTTP(w, r)
	})
}

// HandleSync triggers a remote-to-local sync cycle.
func HandleSync(ctrl CycleController) http.Handler {
	return triggerHandler(ctrl.TriggerSync)
}

func triggerHandler(trigger func() error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if err := trigger(); err != nil {
			if errors.Is(err, guard.ErrCycleRunning) {
				WriteError(w, http.StatusConflict, "CYCLE_ALREADY_RUNNING",
					"a cycle of this type is already in flight")
				return
			}
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})
}

// HandleTenant returns the mirrored tenant row, or 404 before the first
// successful sync.
func HandleTenant(tenants TenantStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := tenants.GetTenant(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		if tenant == nil {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "no tenant synchronized yet")
			return
		}
		WriteJSON(w, http.StatusOK, tenant)
	})
}

// HandleErrors dumps the per-component error rings, newest first.
func HandleErrors(registry *errring.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		components := registry.Components()
		sort.Strings(components)
		out := make(map[string][]model.CollectionError, len(components))
		for _, name := range components {
			out[name] = registry.Snapshot(name)
		}
		WriteJSON(w, http.StatusOK, out)
	})
}
