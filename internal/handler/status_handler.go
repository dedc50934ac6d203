// internal/handler/status_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sas-collector/internal/collector"
	"sas-collector/internal/config"
	"sas-collector/internal/database"
	"sas-collector/internal/sas"
)

// StatusHandler exposes collector health and a manual transfer trigger
type StatusHandler struct {
	cfg       *config.Config
	store     *database.Store
	collector *collector.Collector
	logger    *zap.Logger
}

// NewStatusHandler creates a status handler
func NewStatusHandler(cfg *config.Config, store *database.Store, c *collector.Collector, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		cfg:       cfg,
		store:     store,
		collector: c,
		logger:    logger.With(zap.String("component", "status-handler")),
	}
}

// Health responds to liveness probes
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"name":    h.cfg.App.Name,
		"version": h.cfg.App.Version,
	})
}

// Status reports the machine identity, database link and meter batches
func (h *StatusHandler) Status(c *gin.Context) {
	pcName, serialNumber, mac := h.collector.MachineInfo()

	c.JSON(http.StatusOK, gin.H{
		"connection_state": h.store.State(),
		"pending_queue":    h.store.QueueSize(),
		"machine": gin.H{
			"pc_name":       pcName,
			"serial_number": serialNumber,
			"mac":           mac,
		},
		"meters": h.collector.MeterStates(),
	})
}

// TransferRequest is the manual credit transfer body
type TransferRequest struct {
	TransferType       string `json:"transfer_type" binding:"required"`
	Cashable           int64  `json:"cashable"`
	Restricted         int64  `json:"restricted"`
	Nonrestricted      int64  `json:"nonrestricted"`
	AssetNumber        uint32 `json:"asset_number"`
	PartialAllowed     bool   `json:"partial_allowed"`
	ReceiptRequest     bool   `json:"receipt_request"`
	PoolID             uint16 `json:"pool_id"`
	POSID              uint32 `json:"pos_id"`
	TransactionID      string `json:"transaction_id"`
	LockTimeoutSeconds int    `json:"lock_timeout_seconds"`
}

// Transfer triggers a credit transfer through the collector's loop.
// Invalid requests come back as structured error results with a 422.
func (h *StatusHandler) Transfer(c *gin.Context) {
	var body TransferRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	transferType, err := sas.ParseTransferType(body.TransferType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	assetNumber := body.AssetNumber
	if assetNumber == 0 {
		assetNumber = h.cfg.Collector.AssetNumber
	}

	result := h.collector.Transfer(c.Request.Context(), &sas.TransferRequest{
		TransferType:   transferType,
		PartialAllowed: body.PartialAllowed,
		Cashable:       body.Cashable,
		Restricted:     body.Restricted,
		Nonrestricted:  body.Nonrestricted,
		AssetNumber:    assetNumber,
		ReceiptRequest: body.ReceiptRequest,
		PoolID:         body.PoolID,
		POSID:          body.POSID,
		TransactionID:  body.TransactionID,
		LockTimeout:    time.Duration(body.LockTimeoutSeconds) * time.Second,
	})

	if result.Status == "error" {
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	c.JSON(http.StatusOK, result)
}
