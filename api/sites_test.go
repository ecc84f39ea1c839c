package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyneda/minion/db"
)

func newSiteApp() *fiber.App {
	app := fiber.New()
	app.Post("/api/v1/sites", CreateSiteHandler)
	app.Get("/api/v1/sites", FindSitesHandler)
	app.Get("/api/v1/sites/:id", GetSiteHandler)
	app.Put("/api/v1/sites/:id", UpdateSiteHandler)
	app.Delete("/api/v1/sites/:id", DeleteSiteHandler)
	return app
}

func TestCreateSiteHandler(t *testing.T) {
	descriptor := registerPlugin(t, "minion.plugins.basic.XXSSProtectionPlugin", "x-xss-protection")
	planName := uniqueName("site-plan")
	_, err := db.Connection().CreatePlan(&db.Plan{
		Name:     planName,
		Workflow: []db.PlanStep{{PluginName: descriptor.Class}},
	})
	require.NoError(t, err)

	app := newSiteApp()
	url := "http://" + uniqueName("site") + ".example.com"
	resp, _ := app.Test(jsonRequest("POST", "/api/v1/sites", map[string]interface{}{
		"url":   url,
		"tags":  []string{"critical"},
		"plans": []string{planName},
		"verification": map[string]interface{}{
			"enabled": true,
		},
	}))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var site db.Site
	decode(t, resp, &site)
	assert.Equal(t, url, site.URL)
	assert.NotEmpty(t, site.Verification.Value, "verification token should be generated")

	// the same URL cannot be registered twice
	resp, _ = app.Test(jsonRequest("POST", "/api/v1/sites", map[string]interface{}{
		"url": url,
	}))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// plans must exist
	resp, _ = app.Test(jsonRequest("POST", "/api/v1/sites", map[string]interface{}{
		"url":   "http://" + uniqueName("site") + ".example.com",
		"plans": []string{"does-not-exist"},
	}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// the url is mandatory
	resp, _ = app.Test(jsonRequest("POST", "/api/v1/sites", map[string]interface{}{
		"tags": []string{"critical"},
	}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFindSitesHandler(t *testing.T) {
	url := "http://" + uniqueName("find") + ".example.com"
	_, err := db.Connection().CreateSite(&db.Site{URL: url})
	require.NoError(t, err)

	app := newSiteApp()
	resp, _ := app.Test(httptest.NewRequest("GET", "/api/v1/sites?url="+url, nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data  []db.Site `json:"data"`
		Count int64     `json:"count"`
	}
	decode(t, resp, &result)
	assert.Equal(t, int64(1), result.Count)
	require.Len(t, result.Data, 1)
	assert.Equal(t, url, result.Data[0].URL)
}

func TestGetSiteHandler(t *testing.T) {
	site, err := db.Connection().CreateSite(&db.Site{
		URL: "http://" + uniqueName("get") + ".example.com",
	})
	require.NoError(t, err)

	app := newSiteApp()
	resp, _ := app.Test(httptest.NewRequest("GET", "/api/v1/sites/"+site.ID.String(), nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = app.Test(httptest.NewRequest("GET", "/api/v1/sites/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = app.Test(httptest.NewRequest("GET", "/api/v1/sites/00000000-0000-0000-0000-000000000000", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateSiteHandler(t *testing.T) {
	descriptor := registerPlugin(t, "minion.plugins.basic.CookiesPlugin", "cookies")
	planName := uniqueName("update-plan")
	_, err := db.Connection().CreatePlan(&db.Plan{
		Name:     planName,
		Workflow: []db.PlanStep{{PluginName: descriptor.Class}},
	})
	require.NoError(t, err)

	site, err := db.Connection().CreateSite(&db.Site{
		URL: "http://" + uniqueName("update") + ".example.com",
	})
	require.NoError(t, err)

	app := newSiteApp()
	resp, _ := app.Test(jsonRequest("PUT", "/api/v1/sites/"+site.ID.String(), map[string]interface{}{
		"tags":  []string{"staging"},
		"plans": []string{planName},
		"verification": map[string]interface{}{
			"enabled": true,
			"value":   "token-123",
		},
	}))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := db.Connection().GetSite(site.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StringSlice{"staging"}, stored.Tags)
	assert.Equal(t, db.StringSlice{planName}, stored.Plans)
	assert.Equal(t, "token-123", stored.Verification.Value)

	// unknown plans are refused on update too
	resp, _ = app.Test(jsonRequest("PUT", "/api/v1/sites/"+site.ID.String(), map[string]interface{}{
		"plans": []string{"does-not-exist"},
	}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteSiteHandler(t *testing.T) {
	site, err := db.Connection().CreateSite(&db.Site{
		URL: "http://" + uniqueName("delete") + ".example.com",
	})
	require.NoError(t, err)

	app := newSiteApp()
	resp, _ := app.Test(httptest.NewRequest("DELETE", "/api/v1/sites/"+site.ID.String(), nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = app.Test(httptest.NewRequest("DELETE", "/api/v1/sites/"+site.ID.String(), nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
