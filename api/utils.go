package api

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/pyneda/minion/db"
)

func parseUUIDParam(c *fiber.Ctx, name string) (uuid.UUID, error) {
	return uuid.Parse(c.Params(name))
}

func parseIntQuery(c *fiber.Ctx, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// paginationFromQuery reads page and page_size. Defaults and bounds are
// applied by the database layer.
func paginationFromQuery(c *fiber.Ctx) (db.Pagination, error) {
	page, err := parseIntQuery(c, "page", 1)
	if err != nil {
		return db.Pagination{}, err
	}
	pageSize, err := parseIntQuery(c, "page_size", 0)
	if err != nil {
		return db.Pagination{}, err
	}
	return db.Pagination{Page: page, PageSize: pageSize}, nil
}

func splitQuery(c *fiber.Ctx, name string) []string {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
