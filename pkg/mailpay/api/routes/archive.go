package routes

import (
	"context"
	"errors"
	"time"

	"github.com/freeflowuniverse/mailpay/pkg/archive"
	"github.com/freeflowuniverse/mailpay/pkg/mailpay/api"
	"github.com/freeflowuniverse/mailpay/pkg/pipeline"
	"github.com/gofiber/fiber/v2"
)

const defaultPageLimit = 50

// ArchiveStore is the part of archive.Store exposed over HTTP.
type ArchiveStore interface {
	List(filter archive.Filter, page archive.Page) ([]archive.Entry, error)
	Stats() (archive.Stats, error)
	Get(id string) ([]byte, error)
	Metadata(id string) (archive.Entry, error)
	Delete(id string) (bool, error)
	Reclaim() (archive.ReclaimResult, error)
}

// Replayer runs an archived message through the pipeline again.
type Replayer interface {
	Replay(ctx context.Context, id string) (*pipeline.Report, error)
}

// ArchiveHandler handles archive inspection and re-drive endpoints
type ArchiveHandler struct {
	store    ArchiveStore
	replayer Replayer
}

// NewArchiveHandler creates a new archive handler
func NewArchiveHandler(store ArchiveStore, replayer Replayer) *ArchiveHandler {
	return &ArchiveHandler{
		store:    store,
		replayer: replayer,
	}
}

// RegisterRoutes registers archive routes to the fiber app
func (h *ArchiveHandler) RegisterRoutes(app *fiber.App) {
	group := app.Group("/api/v1/archive")

	group.Get("/", h.listEntries)
	group.Get("/stats", h.getStats)
	group.Post("/reclaim", h.reclaim)
	group.Get("/:id", h.getEntry)
	group.Get("/:id/raw", h.getRaw)
	group.Delete("/:id", h.deleteEntry)
	group.Post("/:id/replay", h.replay)
}

// @Summary List archived messages
// @Description List archive entries, newest first
// @Tags archive
// @Produce json
// @Param sender query string false "Envelope or header sender"
// @Param recipient query string false "Envelope or header recipient"
// @Param since query string false "RFC 3339 lower bound on the save time"
// @Param until query string false "RFC 3339 upper bound on the save time"
// @Param offset query int false "Entries to skip"
// @Param limit query int false "Maximum entries to return"
// @Success 200 {object} api.ListArchiveResponse
// @Failure 400 {object} api.ErrorResponse
// @Router /api/v1/archive [get]
func (h *ArchiveHandler) listEntries(c *fiber.Ctx) error {
	filter := archive.Filter{
		Sender:    c.Query("sender"),
		Recipient: c.Query("recipient"),
	}
	var err error
	if filter.Since, err = parseTime(c.Query("since")); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(api.ErrorResponse{
			Error: "Invalid since: " + err.Error(),
		})
	}
	if filter.Until, err = parseTime(c.Query("until")); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(api.ErrorResponse{
			Error: "Invalid until: " + err.Error(),
		})
	}

	page := archive.Page{
		Offset: c.QueryInt("offset", 0),
		Limit:  c.QueryInt("limit", defaultPageLimit),
	}
	if page.Offset < 0 || page.Limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(api.ErrorResponse{
			Error: "offset and limit must not be negative",
		})
	}

	entries, err := h.store.List(filter, page)
	if err != nil {
		return err
	}
	return c.JSON(api.ListArchiveResponse{
		Entries: entries,
		Offset:  page.Offset,
		Limit:   page.Limit,
	})
}

// @Summary Archive statistics
// @Description Entry count, total size, capacity and the oldest and newest entries
// @Tags archive
// @Produce json
// @Success 200 {object} archive.Stats
// @Router /api/v1/archive/stats [get]
func (h *ArchiveHandler) getStats(c *fiber.Ctx) error {
	stats, err := h.store.Stats()
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

// @Summary Reclaim archive space
// @Description Delete the oldest entries when usage is above the reclaim threshold
// @Tags archive
// @Produce json
// @Success 200 {object} archive.ReclaimResult
// @Router /api/v1/archive/reclaim [post]
func (h *ArchiveHandler) reclaim(c *fiber.Ctx) error {
	res, err := h.store.Reclaim()
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// @Summary Get entry metadata
// @Tags archive
// @Produce json
// @Param id path string true "Message id"
// @Success 200 {object} archive.Entry
// @Failure 404 {object} api.ErrorResponse
// @Router /api/v1/archive/{id} [get]
func (h *ArchiveHandler) getEntry(c *fiber.Ctx) error {
	entry, err := h.store.Metadata(c.Params("id"))
	if err != nil {
		return archiveError(c, err)
	}
	return c.JSON(entry)
}

// @Summary Get the raw message
// @Tags archive
// @Produce plain
// @Param id path string true "Message id"
// @Success 200 {string} string "RFC 5322 message"
// @Failure 404 {object} api.ErrorResponse
// @Router /api/v1/archive/{id}/raw [get]
func (h *ArchiveHandler) getRaw(c *fiber.Ctx) error {
	raw, err := h.store.Get(c.Params("id"))
	if err != nil {
		return archiveError(c, err)
	}
	c.Set(fiber.HeaderContentType, "message/rfc822")
	return c.Send(raw)
}

// @Summary Delete an entry
// @Description Remove a message and its metadata. Deleting a missing entry succeeds.
// @Tags archive
// @Produce json
// @Param id path string true "Message id"
// @Success 200 {object} api.DeleteArchiveResponse
// @Router /api/v1/archive/{id} [delete]
func (h *ArchiveHandler) deleteEntry(c *fiber.Ctx) error {
	id := c.Params("id")
	deleted, err := h.store.Delete(id)
	if err != nil {
		return archiveError(c, err)
	}
	return c.JSON(api.DeleteArchiveResponse{ID: id, Deleted: deleted})
}

// @Summary Replay an archived message
// @Description Run a retained message through the pipeline again
// @Tags archive
// @Produce json
// @Param id path string true "Message id"
// @Success 200 {object} pipeline.Report
// @Failure 404 {object} api.ErrorResponse
// @Router /api/v1/archive/{id}/replay [post]
func (h *ArchiveHandler) replay(c *fiber.Ctx) error {
	report, err := h.replayer.Replay(c.UserContext(), c.Params("id"))
	if err != nil {
		return archiveError(c, err)
	}
	return c.JSON(report)
}

func archiveError(c *fiber.Ctx, err error) error {
	if errors.Is(err, archive.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(api.ErrorResponse{
			Error: "Archive entry not found: " + c.Params("id"),
		})
	}
	return err
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
