package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVulnerability_DedupOnTypeAndPath(t *testing.T) {
	conn, err := NewTestConnection()
	require.NoError(t, err)

	scan := &Scan{Target: "https://example.com", Mode: ScanModeSwarm}
	require.NoError(t, conn.CreateScan(scan))

	first := Vulnerability{ScanID: scan.ID, Name: "SQL Injection", VulnType: "sqli", Path: "/login", Severity: Critical}
	stored, created, err := conn.CreateVulnerability(first)
	require.NoError(t, err)
	require.True(t, created)

	dup, created, err := conn.CreateVulnerability(Vulnerability{ScanID: scan.ID, Name: "SQL Injection again", VulnType: "sqli", Path: "/login", Severity: Critical})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, dup.ID)
}

func TestGetVulnerabilitiesByScan_MostSevereFirst(t *testing.T) {
	conn, err := NewTestConnection()
	require.NoError(t, err)

	scan := &Scan{Target: "https://example.com", Mode: ScanModeSwarm}
	require.NoError(t, conn.CreateScan(scan))

	for _, v := range []Vulnerability{
		{ScanID: scan.ID, Name: "Server Banner Disclosure", VulnType: "info_disclosure", Path: "/", Severity: Info},
		{ScanID: scan.ID, Name: "SQL Injection", VulnType: "sqli", Path: "/login", Severity: Critical},
		{ScanID: scan.ID, Name: "Open Redirect", VulnType: "open_redirect", Path: "/redirect", Severity: Medium},
	} {
		_, created, err := conn.CreateVulnerability(v)
		require.NoError(t, err)
		require.True(t, created)
	}

	vulns, err := conn.GetVulnerabilitiesByScan(scan.ID)
	require.NoError(t, err)
	require.Len(t, vulns, 3)
	assert.Equal(t, "SQL Injection", vulns[0].Name)
	assert.Equal(t, "Open Redirect", vulns[1].Name)
	assert.Equal(t, "Server Banner Disclosure", vulns[2].Name)
}
