package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/taxi-dispatch/internal/models"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.NotEmpty(t, c.Places)
	assert.NotEmpty(t, c.Drivers)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	body := `{
		"places": [{"id":"a","name":"A","lat":1,"lng":2},{"id":"b","name":"B","lat":3,"lng":4}],
		"drivers": [{"id":7,"name":"Zed","status":"available","carType":"sedan"}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Places, 2)
	require.Len(t, c.Drivers, 1)
	assert.Equal(t, int64(7), c.Drivers[0].ID)
}

func TestLoadRejectsPlaceWithoutCoordinate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"places":[{"id":"a","name":"A"}]}`), 0o600))
	_, err := Load(path)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestValidateRejectsDuplicates(t *testing.T) {
	c := Catalog{Drivers: []models.Driver{{ID: 1}, {ID: 1}}}
	assert.ErrorIs(t, c.Validate(), models.ErrValidation)
}
