package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCreateSiteGeneratesVerificationToken(t *testing.T) {
	site, err := Connection().CreateSite(&Site{
		URL:          "http://verified.example.com",
		Plans:        StringSlice{"basic"},
		Verification: Verification{Enabled: true},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, site.Verification.Value)

	got, err := Connection().GetSite(site.ID)
	require.NoError(t, err)
	assert.True(t, got.Verification.Enabled)
	assert.Equal(t, site.Verification.Value, got.Verification.Value)
}

func TestCreateSiteKeepsProvidedToken(t *testing.T) {
	site, err := Connection().CreateSite(&Site{
		URL:          "http://token.example.com",
		Verification: Verification{Enabled: true, Value: "my-token"},
	})
	require.NoError(t, err)
	assert.Equal(t, "my-token", site.Verification.Value)
}

func TestGetSiteByURL(t *testing.T) {
	_, err := Connection().CreateSite(&Site{
		URL:   "http://by-url.example.com",
		Tags:  StringSlice{"internal"},
		Plans: StringSlice{"basic", "nmap"},
	})
	require.NoError(t, err)

	site, err := Connection().GetSiteByURL("http://by-url.example.com")
	require.NoError(t, err)
	assert.Equal(t, StringSlice{"internal"}, site.Tags)
	assert.Equal(t, StringSlice{"basic", "nmap"}, site.Plans)

	_, err = Connection().GetSiteByURL("http://unregistered.example.com")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestListSitesByPlan(t *testing.T) {
	_, err := Connection().CreateSite(&Site{URL: "http://plan-a.example.com", Plans: StringSlice{"listed-plan"}})
	require.NoError(t, err)
	_, err = Connection().CreateSite(&Site{URL: "http://plan-b.example.com", Plans: StringSlice{"another-plan"}})
	require.NoError(t, err)

	sites, count, err := Connection().ListSites(SiteFilter{PlanName: "listed-plan"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	require.Len(t, sites, 1)
	assert.Equal(t, "http://plan-a.example.com", sites[0].URL)
}

func TestUpdateSiteGeneratesTokenWhenEnabled(t *testing.T) {
	site, err := Connection().CreateSite(&Site{URL: "http://upgrade.example.com"})
	require.NoError(t, err)
	assert.Empty(t, site.Verification.Value)

	site.Verification = Verification{Enabled: true}
	updated, err := Connection().UpdateSite(site)
	require.NoError(t, err)
	assert.NotEmpty(t, updated.Verification.Value)
}

func TestDeleteSite(t *testing.T) {
	site, err := Connection().CreateSite(&Site{URL: "http://deleted.example.com"})
	require.NoError(t, err)

	require.NoError(t, Connection().DeleteSite(site.ID))
	_, err = Connection().GetSite(site.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
