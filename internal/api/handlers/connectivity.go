package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/pma-cache-engine/internal/core/connectivity"
	"github.com/frostdev-ops/pma-cache-engine/pkg/utils"
)

// connectivityBody mirrors navigator.onLine plus the Network Information API
type connectivityBody struct {
	Online        *bool    `json:"online"`
	EffectiveType string   `json:"effective_type"`
	Downlink      *float64 `json:"downlink"`
	RTTMS         *int64   `json:"rtt_ms"`
	SaveData      bool     `json:"save_data"`
}

// GetConnectivity returns the current online state and network details
func (h *Handlers) GetConnectivity(c *gin.Context) {
	utils.SendSuccess(c, h.engine.Connectivity.Status())
}

// ReportConnectivity accepts a connectivity report from a tab
func (h *Handlers) ReportConnectivity(c *gin.Context) {
	var body connectivityBody
	if !bindJSON(c, &body) {
		return
	}

	if body.EffectiveType != "" || body.Downlink != nil || body.RTTMS != nil || body.SaveData {
		info := connectivity.NetworkInfo{
			EffectiveType: body.EffectiveType,
			SaveData:      body.SaveData,
		}
		if body.Downlink != nil {
			info.DownlinkMbps = *body.Downlink
		}
		if body.RTTMS != nil {
			info.RTT = time.Duration(*body.RTTMS) * time.Millisecond
		}
		h.engine.Connectivity.UpdateNetworkInfo(info)
	}
	if body.Online != nil {
		h.engine.Connectivity.SetOnline(*body.Online)
	}

	utils.SendSuccess(c, h.engine.Connectivity.Status())
}

// ProbeConnectivity checks the remote API now
func (h *Handlers) ProbeConnectivity(c *gin.Context) {
	online := h.engine.Connectivity.Probe(c.Request.Context())
	utils.SendSuccess(c, gin.H{
		"online": online,
		"status": h.engine.Connectivity.Status(),
	})
}

// GetWebSocketStats returns hub statistics
func (h *Handlers) GetWebSocketStats(c *gin.Context) {
	if h.wsHub == nil {
		utils.SendError(c, http.StatusServiceUnavailable, "WebSocket hub not running")
		return
	}
	utils.SendSuccess(c, h.wsHub.GetStats())
}

// GetSchedulerJobs lists periodic jobs with their last outcome
func (h *Handlers) GetSchedulerJobs(c *gin.Context) {
	utils.SendSuccess(c, h.engine.Scheduler.Jobs())
}

// RunSchedulerJob runs a job now
func (h *Handlers) RunSchedulerJob(c *gin.Context) {
	name := c.Param("name")
	if err := h.engine.RunJob(name); err != nil {
		h.log.WithError(err).WithField("job", name).Warn("Manual job run failed")
		utils.SendAppError(c, err)
		return
	}
	utils.SendSuccess(c, gin.H{"job": name, "ran": true})
}

// PersistState saves every manager to storage
func (h *Handlers) PersistState(c *gin.Context) {
	if err := h.engine.Save(c.Request.Context()); err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendSuccess(c, gin.H{"persisted": true})
}
