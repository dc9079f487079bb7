// 文件: internal/api/routes.go
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"DatasetCleaner/internal/task"
	"DatasetCleaner/pkg/curator"
)

// RegisterRoutes 注册所有API路由
func RegisterRoutes(tm *task.Manager, c *curator.Curator) *chi.Mux {
	r := chi.NewRouter()

	// --- 中间件 (Middleware) ---
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// 配置CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	handlers := NewAPIHandlers(tm, c)

	// --- API路由 ---
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks/ingest", handlers.HandleStartIngestTask)
		r.Get("/tasks/{taskId}", handlers.HandleGetTaskStatus)
		r.Post("/tasks/{taskId}/cancel", handlers.HandleCancelTask)

		r.Get("/datasets", handlers.HandleListDatasets)
		r.Route("/datasets/{name}", func(r chi.Router) {
			r.Get("/facets/children", handlers.HandleFacetChildren)
			r.Get("/images", handlers.HandleListImages)
			// 身份键可能含 "/"（相对路径），所以不放进URL路径段
			r.Get("/image", handlers.HandleGetImageDetail)
			r.Post("/image/decision", handlers.HandleSetDecision)
			r.Get("/duplicates", handlers.HandleListDuplicates)
			r.Get("/similar", handlers.HandleFindSimilar)
			r.Get("/decisions/export", handlers.HandleExportDecisions)
			r.Post("/decisions/import", handlers.HandleImportDecisions)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}
