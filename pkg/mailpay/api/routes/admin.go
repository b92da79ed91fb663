package routes

import (
	"fmt"
	"runtime"

	"github.com/freeflowuniverse/mailpay/pkg/mailpay/api"
	"github.com/gofiber/fiber/v2"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Version is reported by the system endpoint.
var Version = "v0.1.0"

// UptimeProvider defines an interface for getting service uptime
type UptimeProvider interface {
	GetUptime() string
}

// BreakerStater reports the state of the ledger circuit breaker.
type BreakerStater interface {
	BreakerState() string
}

// AdminHandler handles health and system routes
type AdminHandler struct {
	uptimeProvider UptimeProvider
	ledgerDriver   string
	breaker        BreakerStater
	store          ArchiveStore
	archiveDir     string
}

// NewAdminHandler creates a new AdminHandler. breaker may be nil when the
// ledger driver has no circuit breaker.
func NewAdminHandler(uptimeProvider UptimeProvider, ledgerDriver string, breaker BreakerStater, store ArchiveStore, archiveDir string) *AdminHandler {
	return &AdminHandler{
		uptimeProvider: uptimeProvider,
		ledgerDriver:   ledgerDriver,
		breaker:        breaker,
		store:          store,
		archiveDir:     archiveDir,
	}
}

// RegisterRoutes registers all admin routes
func (h *AdminHandler) RegisterRoutes(app *fiber.App) {
	admin := app.Group("/api/admin")

	admin.Get("/health", h.getHealth)
	admin.Get("/system", h.getSystemInfo)
}

// @Summary Service health
// @Tags admin
// @Produce json
// @Success 200 {object} api.HealthResponse
// @Success 503 {object} api.HealthResponse
// @Router /api/admin/health [get]
func (h *AdminHandler) getHealth(c *fiber.Ctx) error {
	resp := api.HealthResponse{
		Status:       "ok",
		Uptime:       "Unknown",
		LedgerDriver: h.ledgerDriver,
		LedgerState:  "n/a",
	}
	if h.uptimeProvider != nil {
		resp.Uptime = h.uptimeProvider.GetUptime()
	}
	if h.breaker != nil {
		resp.LedgerState = h.breaker.BreakerState()
		if resp.LedgerState == "open" {
			resp.Status = "degraded"
			return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
		}
	}
	return c.JSON(resp)
}

// @Summary System information
// @Description Host hardware and software plus the archive volume and usage
// @Tags admin
// @Produce json
// @Success 200 {object} api.SystemResponse
// @Router /api/admin/system [get]
func (h *AdminHandler) getSystemInfo(c *fiber.Ctx) error {
	resp := api.SystemResponse{
		Hardware: api.HardwareInfo{CPU: "Unknown", Memory: "Unknown"},
		Software: api.SoftwareInfo{
			OS:        fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH),
			GoVersion: runtime.Version(),
			Version:   Version,
			Uptime:    "Unknown",
		},
		ArchiveDisk: api.DiskInfo{Path: h.archiveDir},
	}

	// gopsutil lookups are best effort; missing values stay "Unknown"
	cpuModel := "Unknown"
	if info, err := cpu.Info(); err == nil && len(info) > 0 {
		cpuModel = info[0].ModelName
	}
	resp.Hardware.CPU = fmt.Sprintf("%d cores (%s)", runtime.NumCPU(), cpuModel)

	if memInfo, err := mem.VirtualMemory(); err == nil {
		total := float64(memInfo.Total) / (1024 * 1024 * 1024)
		used := float64(memInfo.Used) / (1024 * 1024 * 1024)
		resp.Hardware.Memory = fmt.Sprintf("%.1fGB (%.1fGB used)", total, used)
	}

	if hostInfo, err := host.Info(); err == nil {
		resp.Software.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}
	if h.uptimeProvider != nil {
		resp.Software.Uptime = h.uptimeProvider.GetUptime()
	}

	if h.archiveDir != "" {
		if usage, err := disk.Usage(h.archiveDir); err == nil {
			resp.ArchiveDisk.Total = usage.Total
			resp.ArchiveDisk.Free = usage.Free
			resp.ArchiveDisk.UsedPercent = usage.UsedPercent
		}
	}

	if h.store != nil {
		stats, err := h.store.Stats()
		if err != nil {
			return err
		}
		resp.ArchiveStats = stats
	}
	return c.JSON(resp)
}
