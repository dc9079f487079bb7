// 文件: internal/api/handlers.go
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"DatasetCleaner/internal/models"
	"DatasetCleaner/internal/task"
	"DatasetCleaner/pkg/curator"
	"DatasetCleaner/pkg/database"
	"DatasetCleaner/pkg/facet"
)

// APIHandlers 持有所有依赖
type APIHandlers struct {
	taskManager *task.Manager
	curator     *curator.Curator
}

// NewAPIHandlers 创建一个新的API处理器实例
func NewAPIHandlers(tm *task.Manager, c *curator.Curator) *APIHandlers {
	return &APIHandlers{
		taskManager: tm,
		curator:     c,
	}
}

// --- 辅助函数 ---

// respondJSON 辅助函数，用于统一返回JSON响应
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError 辅助函数，用于统一返回错误信息
func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

// respondServiceError 把服务层错误映射为合适的HTTP状态码
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrUnknownDataset),
		errors.Is(err, database.ErrUnknownImage),
		errors.Is(err, facet.ErrUnknownPath):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrStoreUnavailable):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseFacetPath 把 ?path=v1/v2 解析为取值序列；空参数表示根。
func parseFacetPath(r *http.Request) []string {
	raw := r.URL.Query().Get("path")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "/")
}

// --- 任务处理器 ---

func (h *APIHandlers) HandleStartIngestTask(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Dataset string `json:"dataset"`
		Root    string `json:"root"`
		CSVPath string `json:"csvPath"`
		JoinKey string `json:"joinKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "无效的请求体: "+err.Error())
		return
	}
	if payload.Dataset == "" || payload.Root == "" {
		respondError(w, http.StatusBadRequest, "缺少 'dataset' 或 'root' 字段")
		return
	}
	if payload.CSVPath != "" && payload.JoinKey == "" {
		respondError(w, http.StatusBadRequest, "提供元数据时必须指定 'joinKey'")
		return
	}
	taskID, err := h.taskManager.StartIngest(payload.Dataset, payload.Root, payload.CSVPath, payload.JoinKey)
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"taskId": taskID})
}

func (h *APIHandlers) HandleGetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	status, err := h.taskManager.GetTask(taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (h *APIHandlers) HandleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	if err := h.taskManager.Cancel(taskID); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// --- 数据集处理器 ---

func (h *APIHandlers) HandleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := h.curator.ListDatasets(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, datasets)
}

func (h *APIHandlers) HandleFacetChildren(w http.ResponseWriter, r *http.Request) {
	dataset := chi.URLParam(r, "name")
	children, err := h.curator.GetFacetChildren(r.Context(), dataset, parseFacetPath(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, children)
}

func (h *APIHandlers) HandleListImages(w http.ResponseWriter, r *http.Request) {
	dataset := chi.URLParam(r, "name")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}

	images, total, err := h.curator.ListAtFacet(r.Context(), dataset,
		parseFacetPath(r), r.URL.Query().Get("decision"), page, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	response := map[string]interface{}{
		"data": images,
		"pagination": map[string]interface{}{
			"currentPage": page,
			"totalPages":  int(math.Ceil(float64(total) / float64(limit))),
			"totalItems":  total,
		},
	}
	respondJSON(w, http.StatusOK, response)
}

func (h *APIHandlers) HandleGetImageDetail(w http.ResponseWriter, r *http.Request) {
	stableID := r.URL.Query().Get("stableId")
	if stableID == "" {
		respondError(w, http.StatusBadRequest, "缺少查询参数 'stableId'")
		return
	}
	detail, err := h.curator.GetImageDetail(r.Context(), chi.URLParam(r, "name"), stableID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

func (h *APIHandlers) HandleSetDecision(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		StableID string `json:"stableId"`
		Decision string `json:"decision"`
		Reviewer string `json:"reviewer"`
		Note     string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "无效的请求体: "+err.Error())
		return
	}
	if payload.StableID == "" {
		respondError(w, http.StatusBadRequest, "缺少 'stableId' 字段")
		return
	}
	decision, ok := models.NormalizeDecision(payload.Decision)
	if !ok {
		respondError(w, http.StatusBadRequest, "无法识别的决定: "+payload.Decision)
		return
	}

	ann, err := h.curator.SetDecision(r.Context(),
		chi.URLParam(r, "name"), payload.StableID,
		decision, payload.Reviewer, payload.Note)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ann)
}

func (h *APIHandlers) HandleListDuplicates(w http.ResponseWriter, r *http.Request) {
	groups, err := h.curator.DuplicateGroups(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, groups)
}

func (h *APIHandlers) HandleFindSimilar(w http.ResponseWriter, r *http.Request) {
	stableID := r.URL.Query().Get("stableId")
	if stableID == "" {
		respondError(w, http.StatusBadRequest, "缺少查询参数 'stableId'")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	similar, err := h.curator.FindSimilar(r.Context(), chi.URLParam(r, "name"), stableID, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, similar)
}

// --- 决定表导出/导入 ---

func (h *APIHandlers) HandleExportDecisions(w http.ResponseWriter, r *http.Request) {
	dataset := chi.URLParam(r, "name")
	includeUnmarked := r.URL.Query().Get("includeUnmarked") == "true"

	// 先在内存里生成，避免写到一半才发现出错、响应头已无法挽回
	var buf bytes.Buffer
	if err := h.curator.ExportDecisions(r.Context(), &buf, dataset, includeUnmarked); err != nil {
		respondServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="decisions-`+dataset+`.csv"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *APIHandlers) HandleImportDecisions(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	stats, err := h.curator.ImportDecisions(r.Context(), chi.URLParam(r, "name"), r.Body)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
