package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReport_AllSucceeded(t *testing.T) {
	report := &RunReport{
		Roles: &DumpOutcome{Database: "roles", Path: "/b/h/roles-h-20240309.sql"},
		Databases: []DumpOutcome{
			{Database: "app", Path: "/b/h/db-app-20240309.sql.gz"},
		},
	}

	assert.Empty(t, report.Failed())
	assert.NoError(t, report.Err())
	assert.Equal(t, 1, report.Succeeded())
	assert.Equal(t, []string{"/b/h/roles-h-20240309.sql", "/b/h/db-app-20240309.sql.gz"}, report.Artifacts())
}

func TestRunReport_Failures(t *testing.T) {
	report := &RunReport{
		Roles: &DumpOutcome{Database: "roles", Error: errors.New("permission denied for table pg_authid")},
		Databases: []DumpOutcome{
			{Database: "app", Path: "/b/h/db-app-20240309.sql.gz"},
			{Database: "analytics", Error: errors.New("exit status 1")},
		},
	}

	failed := report.Failed()
	require.Len(t, failed, 2)
	assert.Equal(t, "roles", failed[0].Database)
	assert.Equal(t, "analytics", failed[1].Database)

	err := report.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.Contains(t, err.Error(), "analytics: exit status 1")
	assert.Equal(t, []string{"/b/h/db-app-20240309.sql.gz"}, report.Artifacts())
}

func TestBackupSettings_Exclude(t *testing.T) {
	re, err := BackupSettings{ExcludePattern: "postgres"}.Exclude()
	require.NoError(t, err)
	assert.True(t, re.MatchString("postgres"))

	re, err = BackupSettings{}.Exclude()
	require.NoError(t, err)
	assert.Nil(t, re)

	_, err = BackupSettings{ExcludePattern: "("}.Exclude()
	assert.Error(t, err)
}
