package api

import (
	"github.com/freeflowuniverse/mailpay/pkg/archive"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Archive Models

// ListArchiveResponse is a page of archive entries
type ListArchiveResponse struct {
	Entries []archive.Entry `json:"entries"`
	Offset  int             `json:"offset"`
	Limit   int             `json:"limit"`
}

// DeleteArchiveResponse reports whether an entry was removed
type DeleteArchiveResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// Admin Models

// HealthResponse reports liveness and the state of the ledger connection
type HealthResponse struct {
	Status       string `json:"status"`
	Uptime       string `json:"uptime"`
	LedgerDriver string `json:"ledger_driver"`
	LedgerState  string `json:"ledger_state"`
}

// SystemResponse describes the host the service runs on
type SystemResponse struct {
	Hardware     HardwareInfo  `json:"hardware"`
	Software     SoftwareInfo  `json:"software"`
	ArchiveDisk  DiskInfo      `json:"archive_disk"`
	ArchiveStats archive.Stats `json:"archive_stats"`
}

// HardwareInfo describes the host hardware
type HardwareInfo struct {
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
}

// SoftwareInfo describes the host software
type SoftwareInfo struct {
	OS        string `json:"os"`
	GoVersion string `json:"go_version"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
}

// DiskInfo describes the filesystem holding the archive
type DiskInfo struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}
