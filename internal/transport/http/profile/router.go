package profile

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"divscan/internal/config/writer"
	"divscan/internal/logger"
	"divscan/internal/profile"
)

// Router handles profile API endpoints
type Router struct {
	mgr *profile.Manager
}

// NewRouter creates a new profile API router backed by the manager, so
// every mutation is validated and immediately visible to the scanner.
func NewRouter(mgr *profile.Manager) *Router {
	return &Router{mgr: mgr}
}

// Register registers the profile API routes
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("", r.handleList)
	group.GET("/:name", r.handleGet)
	group.PUT("/:name", r.handleUpdate)
	group.POST("", r.handleCreate)
	group.DELETE("/:name", r.handleDelete)
}

// ProfileResponse is the API response for a profile
type ProfileResponse struct {
	Name        string   `json:"name"`
	Symbols     []string `json:"symbols"`
	Interval    string   `json:"interval"`
	Bars        int      `json:"bars"`
	Oscillators []string `json:"oscillators"`
	PivotLeft   int      `json:"pivot_left"`
	PivotRight  int      `json:"pivot_right"`
	RangeLower  int      `json:"range_lower"`
	RangeUpper  int      `json:"range_upper"`
	MinCount    int      `json:"min_count"`
	WarmupBars  int      `json:"warmup_bars"`
	Types       []string `json:"types"`
	Default     bool     `json:"default"`
}

// ProfileRequest carries every editable field; PUT replaces the stored
// entry with the request body as a whole.
type ProfileRequest struct {
	Symbols     []string `json:"symbols"`
	Interval    string   `json:"interval"`
	Bars        int      `json:"bars"`
	Oscillators []string `json:"oscillators"`
	PivotLeft   int      `json:"pivot_left"`
	PivotRight  int      `json:"pivot_right"`
	RangeLower  int      `json:"range_lower"`
	RangeUpper  int      `json:"range_upper"`
	MinCount    int      `json:"min_count"`
	WarmupBars  int      `json:"warmup_bars"`
	Types       []string `json:"types"`
	Default     bool     `json:"default"`
}

// ProfileCreateRequest is the request body for creating a profile
type ProfileCreateRequest struct {
	Name     string `json:"name"`
	CopyFrom string `json:"copy_from,omitempty"`
	ProfileRequest
}

func (r *Router) handleList(c *gin.Context) {
	entries, err := r.mgr.Entries()
	if err != nil {
		logger.Errorf("[profile-api] list failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var profiles []ProfileResponse
	for name, entry := range entries {
		profiles = append(profiles, entryToResponse(name, entry))
	}

	// Sort by name for consistent ordering
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].Name < profiles[j].Name
	})

	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

func (r *Router) handleGet(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 profile 名称"})
		return
	}

	entry, err := r.mgr.Entry(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, entryToResponse(name, *entry))
}

func (r *Router) handleUpdate(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 profile 名称"})
		return
	}

	if _, err := r.mgr.Entry(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}

	entry := requestToEntry(req)
	if err := r.mgr.Validate(name, entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := r.mgr.Update(name, entry); err != nil {
		logger.Errorf("[profile-api] update failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	logger.Infof("[profile-api] profile '%s' updated by %s", name, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Profile 已更新"})
}

func (r *Router) handleCreate(c *gin.Context) {
	var req ProfileCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Profile 名称不能为空"})
		return
	}

	// Check if name is valid (alphanumeric and underscores only)
	for _, ch := range name {
		if !((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_') {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Profile 名称只能包含字母、数字和下划线"})
			return
		}
	}

	entries, err := r.mgr.Entries()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if _, exists := entries[name]; exists {
		c.JSON(http.StatusConflict, gin.H{"error": "Profile 已存在"})
		return
	}

	var newEntry writer.ProfileEntry

	// Copy from existing profile if specified
	if req.CopyFrom != "" {
		source, ok := entries[req.CopyFrom]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "源 Profile 不存在"})
			return
		}
		newEntry = source
		newEntry.Default = false // New profile shouldn't be default
		applyRequest(&newEntry, req.ProfileRequest)
	} else {
		newEntry = requestToEntry(req.ProfileRequest)
	}

	if err := r.mgr.Validate(name, newEntry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := r.mgr.Update(name, newEntry); err != nil {
		logger.Errorf("[profile-api] create failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	logger.Infof("[profile-api] profile '%s' created by %s", name, c.ClientIP())
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": "Profile 已创建", "name": name})
}

func (r *Router) handleDelete(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 profile 名称"})
		return
	}

	if err := r.mgr.Delete(name); err != nil {
		logger.Errorf("[profile-api] delete failed: %v", err)
		if strings.Contains(err.Error(), "不存在") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else if strings.Contains(err.Error(), "唯一") {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	logger.Infof("[profile-api] profile '%s' deleted by %s", name, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Profile 已删除"})
}

func entryToResponse(name string, entry writer.ProfileEntry) ProfileResponse {
	return ProfileResponse{
		Name:        name,
		Symbols:     entry.Symbols,
		Interval:    entry.Interval,
		Bars:        entry.Bars,
		Oscillators: entry.Oscillators,
		PivotLeft:   entry.PivotLeft,
		PivotRight:  entry.PivotRight,
		RangeLower:  entry.RangeLower,
		RangeUpper:  entry.RangeUpper,
		MinCount:    entry.MinCount,
		WarmupBars:  entry.WarmupBars,
		Types:       entry.Types,
		Default:     entry.Default,
	}
}

func requestToEntry(req ProfileRequest) writer.ProfileEntry {
	return writer.ProfileEntry{
		Symbols:     normalizeSymbols(req.Symbols),
		Interval:    strings.TrimSpace(req.Interval),
		Bars:        req.Bars,
		Oscillators: req.Oscillators,
		PivotLeft:   req.PivotLeft,
		PivotRight:  req.PivotRight,
		RangeLower:  req.RangeLower,
		RangeUpper:  req.RangeUpper,
		MinCount:    req.MinCount,
		WarmupBars:  req.WarmupBars,
		Types:       req.Types,
		Default:     req.Default,
	}
}

// applyRequest overlays the non-zero request fields onto a copied entry.
func applyRequest(entry *writer.ProfileEntry, req ProfileRequest) {
	if len(req.Symbols) > 0 {
		entry.Symbols = normalizeSymbols(req.Symbols)
	}
	if strings.TrimSpace(req.Interval) != "" {
		entry.Interval = strings.TrimSpace(req.Interval)
	}
	if req.Bars > 0 {
		entry.Bars = req.Bars
	}
	if len(req.Oscillators) > 0 {
		entry.Oscillators = req.Oscillators
	}
	if req.PivotLeft > 0 {
		entry.PivotLeft = req.PivotLeft
	}
	if req.PivotRight > 0 {
		entry.PivotRight = req.PivotRight
	}
	if req.RangeLower > 0 {
		entry.RangeLower = req.RangeLower
	}
	if req.RangeUpper > 0 {
		entry.RangeUpper = req.RangeUpper
	}
	if req.MinCount > 0 {
		entry.MinCount = req.MinCount
	}
	if req.WarmupBars > 0 {
		entry.WarmupBars = req.WarmupBars
	}
	if len(req.Types) > 0 {
		entry.Types = req.Types
	}
}

func normalizeSymbols(symbols []string) []string {
	var out []string
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
