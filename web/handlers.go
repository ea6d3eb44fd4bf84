package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"rotating-proxy/logic"
	"rotating-proxy/service"
)

type taskStatus struct {
	logic.Task
	IsRunning  bool  `json:"is_running"`
	LastResult *bool `json:"last_result"`
}

func newTaskStatus(t logic.Task) taskStatus {
	return taskStatus{Task: t, IsRunning: t.Running(), LastResult: t.Success}
}

func (s *Server) triggerResponse(c *gin.Context, res logic.TriggerResult, t logic.Task) {
	code := http.StatusOK
	if res == logic.TriggerAlreadyRunning {
		code = http.StatusConflict
	}
	c.JSON(code, gin.H{"status": res, "task": newTaskStatus(t)})
}

func (s *Server) fetchProxies(c *gin.Context) {
	res, t := s.Pool.TriggerFetch()
	s.triggerResponse(c, res, t)
}

func (s *Server) validateProxies(c *gin.Context) {
	res, t := s.Pool.TriggerValidate()
	s.triggerResponse(c, res, t)
}

func (s *Server) taskStatus(kind logic.TaskKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, newTaskStatus(s.Pool.Tasks.Status(kind)))
	}
}

type cancelRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) cancelTask(c *gin.Context) {
	var req cancelRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = c.Query("kind")
	}
	kinds := []logic.TaskKind{logic.TaskFetch, logic.TaskValidate}
	if req.Kind != "" {
		k, err := logic.ParseTaskKind(req.Kind)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		kinds = []logic.TaskKind{k}
	}
	var cancelled []logic.TaskKind
	var lastErr error
	for _, k := range kinds {
		if err := s.Pool.Tasks.Cancel(k); err != nil {
			lastErr = err
			continue
		}
		cancelled = append(cancelled, k)
	}
	if len(cancelled) == 0 {
		abortWithError(c, lastErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "cancel requested", "cancelled": cancelled})
}

func (s *Server) proxies(c *gin.Context) {
	p, ok := protocolQuery(c)
	if !ok {
		return
	}
	reverse := true
	if v := c.Query("reverse"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, "reverse must be a boolean")
			return
		}
		reverse = b
	}
	recs := s.Pool.Ranker.Rank(p, logic.ParseSortKey(c.Query("sort_by")), reverse)
	c.JSON(http.StatusOK, gin.H{"proxies": recs, "count": len(recs)})
}

type validatedEntry struct {
	Ping      int64           `json:"ping"`
	SpeedKbps float64         `json:"speed_kbps"`
	Score     float64         `json:"score"`
	Anonymity logic.Anonymity `json:"anonymity"`
}

func (s *Server) validatedProxies(c *gin.Context) {
	p, ok := protocolQuery(c)
	if !ok {
		return
	}
	out := make(map[logic.Protocol]map[string]validatedEntry, len(logic.Protocols))
	for _, proto := range logic.Protocols {
		if p != "" && p != proto {
			continue
		}
		entries := make(map[string]validatedEntry)
		for _, rec := range s.Pool.Ranker.Eligible(proto) {
			entries[rec.Address] = validatedEntry{
				Ping:      *rec.PingMS,
				SpeedKbps: *rec.SpeedKbps,
				Score:     rec.Score,
				Anonymity: rec.Anonymity,
			}
		}
		out[proto] = entries
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) exportProxies(c *gin.Context) {
	p, ok := protocolQuery(c)
	if !ok {
		return
	}
	var b strings.Builder
	for _, proto := range logic.Protocols {
		if p != "" && p != proto {
			continue
		}
		for _, rec := range s.Pool.Ranker.Eligible(proto) {
			b.WriteString(rec.String())
			b.WriteByte('\n')
		}
	}
	c.Header("Content-Disposition", `attachment; filename="exported_proxies.txt"`)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(b.String()))
}

func (s *Server) clearProxies(c *gin.Context) {
	n := s.Pool.Clear(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": fmt.Sprintf("removed %d proxies", n), "removed": n})
}

type protocolRequest struct {
	Protocol string `json:"protocol"`
}

func (s *Server) rotateProxy(c *gin.Context) {
	p, ok := requiredProtocol(c)
	if !ok {
		return
	}
	rec, err := s.Rotator.Rotate(c.Request.Context(), p)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"new_proxy": gin.H{
			"url":       rec.String(),
			"score":     rec.Score,
			"anonymity": rec.Anonymity,
		},
	})
}

type autoRotationRequest struct {
	Enabled         *bool  `json:"enabled"`
	IntervalSeconds int    `json:"interval_seconds"`
	Protocol        string `json:"protocol"`
}

func (s *Server) setAutoRotation(c *gin.Context) {
	var req autoRotationRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.Enabled == nil {
		badRequest(c, "enabled is required")
		return
	}
	p, err := logic.ParseProtocol(req.Protocol)
	if err != nil {
		abortWithError(c, err)
		return
	}
	protocols := logic.Protocols
	if p != "" {
		protocols = []logic.Protocol{p}
	}
	interval := time.Duration(req.IntervalSeconds) * time.Second
	if *req.Enabled && interval < logic.MinAutoInterval {
		badRequest(c, "interval_seconds must be at least 1")
		return
	}
	for _, proto := range protocols {
		if err := s.Rotator.SetAutoRotation(proto, *req.Enabled, interval); err != nil {
			abortWithError(c, err)
			return
		}
	}
	msg := "auto rotation disabled"
	if *req.Enabled {
		msg = fmt.Sprintf("auto rotation every %ds", req.IntervalSeconds)
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": msg})
}

func (s *Server) rotationHistory(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Rotator.History().List(limit))
}

func (s *Server) startService(c *gin.Context) {
	p, ok := requiredProtocol(c)
	if !ok {
		return
	}
	if err := s.start(c.Request.Context(), p); err != nil {
		abortWithError(c, err)
		return
	}
	st, _ := s.Service.State(p)
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("%s service listening on %s", p, st.ListenAddr),
		"state":   st,
	})
}

// start selects an upstream first when the protocol has none or its
// current one went stale.
func (s *Server) start(ctx context.Context, p logic.Protocol) error {
	if _, ok := s.Service.Current(p); !ok {
		if _, err := s.Rotator.Rotate(ctx, p); err != nil {
			return err
		}
	}
	err := s.Service.Start(p)
	if !errors.Is(err, logic.ErrNotValidated) {
		return err
	}
	if _, err := s.Rotator.Rotate(ctx, p); err != nil {
		return err
	}
	return s.Service.Start(p)
}

func (s *Server) stopService(c *gin.Context) {
	p, ok := requiredProtocol(c)
	if !ok {
		return
	}
	if err := s.Service.Stop(p); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": fmt.Sprintf("%s service stopped", p)})
}

func (s *Server) serviceStatus(c *gin.Context) {
	out := gin.H{}
	for _, p := range logic.Protocols {
		out[string(p)] = s.Service.Running(p)
	}
	if detail, _ := strconv.ParseBool(c.Query("detail")); detail {
		out["detail"] = s.Service.States()
	}
	c.JSON(http.StatusOK, out)
}

type statusResponse struct {
	Pool         logic.PoolSummary                     `json:"pool"`
	Service      map[logic.Protocol]service.State      `json:"service"`
	AutoRotation map[logic.Protocol]logic.AutoRotation `json:"auto_rotation"`
	Rotations    int                                   `json:"rotations"`
}

func (s *Server) status(c *gin.Context) {
	auto := make(map[logic.Protocol]logic.AutoRotation, len(logic.Protocols))
	for _, p := range logic.Protocols {
		auto[p] = s.Rotator.AutoRotation(p)
	}
	c.JSON(http.StatusOK, statusResponse{
		Pool:         s.Pool.Summary(),
		Service:      s.Service.States(),
		AutoRotation: auto,
		Rotations:    s.Rotator.History().Len(),
	})
}

func (s *Server) logs(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 200)
	if !ok {
		return
	}
	lines := []string{}
	if s.Logs != nil {
		lines = s.Logs.Lines(limit)
	}
	c.JSON(http.StatusOK, gin.H{"logs": lines})
}

// bindOptionalJSON decodes the body into dst; an empty body leaves dst
// untouched.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func requiredProtocol(c *gin.Context) (logic.Protocol, bool) {
	var req protocolRequest
	if !bindOptionalJSON(c, &req) {
		return "", false
	}
	if req.Protocol == "" {
		req.Protocol = c.Query("protocol")
	}
	p, err := logic.ParseProtocol(req.Protocol)
	if err != nil {
		abortWithError(c, err)
		return "", false
	}
	if p == "" {
		badRequest(c, "protocol must be http or socks5")
		return "", false
	}
	return p, true
}

func protocolQuery(c *gin.Context) (logic.Protocol, bool) {
	p, err := logic.ParseProtocol(c.Query("protocol"))
	if err != nil {
		abortWithError(c, err)
		return "", false
	}
	return p, true
}

func intQuery(c *gin.Context, key string, def int) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		badRequest(c, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
