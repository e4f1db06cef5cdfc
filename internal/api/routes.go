package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/wsi-profiles/profiler/internal/config"
	"github.com/wsi-profiles/profiler/internal/export"
	"github.com/wsi-profiles/profiler/internal/pyramid"
	"github.com/wsi-profiles/profiler/internal/render"
	"github.com/wsi-profiles/profiler/internal/runstore"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Accessor    pyramid.Accessor
	RunManager  *RunManager
	Defaults    *config.Config
	CORSOrigins []string
}

// NewRouter creates the HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/slide", slideHandler(cfg.Accessor))

	r.Route("/api/runs", func(r chi.Router) {
		r.Post("/", runSubmitHandler(cfg.RunManager, cfg.Accessor, cfg.Defaults))
		r.Get("/", runListHandler(cfg.RunManager))
		r.Get("/{run_id}", runStatusHandler(cfg.RunManager))
		r.Get("/{run_id}/result", runResultHandler(cfg.RunManager))
		r.Get("/{run_id}/result.csv", runResultCSVHandler(cfg.RunManager))
		r.Get("/{run_id}/overlay.png", runOverlayHandler(cfg.RunManager, cfg.Accessor))
		r.Delete("/{run_id}", runCancelHandler(cfg.RunManager))
	})

	return r
}

// slideHandler returns the pyramid metadata of the served slide.
func slideHandler(acc pyramid.Accessor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(acc.Slide())
	}
}

// runSubmitRequest optionally overrides parts of the server's default
// configuration for one run.
type runSubmitRequest struct {
	Pipeline *config.PipelineConfig `json:"pipeline,omitempty"`
	Device   *config.DeviceConfig   `json:"device,omitempty"`
	Binning  *config.BinningConfig  `json:"binning,omitempty"`
}

func runSubmitHandler(rm *RunManager, acc pyramid.Accessor, defaults *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runSubmitRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		runCfg := *defaults
		if req.Pipeline != nil {
			runCfg.Pipeline = *req.Pipeline
		}
		if req.Device != nil {
			runCfg.Device = *req.Device
		}
		if req.Binning != nil {
			runCfg.Binning = *req.Binning
		}
		if err := runCfg.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		run, err := rm.Submit(acc.Slide().Name, &runCfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(run)
	}
}

func runListHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := rm.Store().ListRuns(r.URL.Query().Get("slide"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []*runstore.Run{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"runs": runs})
	}
}

func runStatusHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := rm.Get(chi.URLParam(r, "run_id"))
		if run == nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(run)
	}
}

func runResultHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		prof, err := rm.Store().GetProfile(runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if prof == nil {
			http.Error(w, "no result for run", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		export.WriteJSON(w, prof)
	}
}

func runResultCSVHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		prof, err := rm.Store().GetProfile(runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if prof == nil {
			http.Error(w, "no result for run", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename="+runID+".csv")
		export.WriteCSV(w, prof)
	}
}

// runOverlayHandler renders the overlay for the most recent completed run.
// Overlays need the in-memory cell positions, which are not persisted, so
// only the last run of this process is renderable.
func runOverlayHandler(rm *RunManager, acc pyramid.Accessor) http.HandlerFunc {
	overlay := render.NewOverlay(render.DefaultConfig())
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		lastID, result := rm.LastResult()
		if result == nil || lastID != runID {
			http.Error(w, "overlay available only for the most recent completed run", http.StatusNotFound)
			return
		}

		png, err := overlay.Render(r.Context(), acc, result.Region, result.WorkingLevel,
			result.Masks, result.Cells, result.Profile.BinWidth, result.Profile.MaxDist)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}
}

func runCancelHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		if rm.Cancel(runID) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"run_id": runID, "status": "cancelling"})
			return
		}

		run := rm.Get(runID)
		if run == nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		// Terminal run: delete instead
		if err := rm.Delete(runID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"run_id": runID, "status": "deleted"})
	}
}
