package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedTemplatesFromYAMLUpsertsEachEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := &TemplateStore{db: db}

	doc := []byte(`
templates:
  - id: python-basic
    name: Python 3.11
    image: sandboxctl/python:3.11
    runtime_kind: python3.11
    default_cpu: 1
    default_memory_bytes: 536870912
    default_disk_bytes: 1073741824
    default_timeout: 30
    default_env:
      PYTHONUNBUFFERED: "1"
  - name: Node 20
    image: sandboxctl/node:20
    runtime_kind: node20
    default_timeout: 60
    allow_network: true
`)

	mock.ExpectExec("INSERT INTO templates").WithArgs(
		"python-basic", "Python 3.11", "sandboxctl/python:3.11", "python3.11",
		1.0, int64(536870912), int64(1073741824), 30, sqlmock.AnyArg(), true, sqlmock.AnyArg(), sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO templates").WithArgs(
		sqlmock.AnyArg(), "Node 20", "sandboxctl/node:20", "node20",
		0.0, int64(0), int64(0), 60, sqlmock.AnyArg(), true, sqlmock.AnyArg(), sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(1, 1))

	n, err := ts.SeedTemplatesFromYAML(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedTemplatesFromYAMLRejectsMalformedDocument(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := &TemplateStore{db: db}
	_, err = ts.SeedTemplatesFromYAML(context.Background(), []byte("templates: [this is not a list of maps"))
	require.Error(t, err)
}

func TestSeedTemplatesFromYAMLEmptyDocumentIsNoop(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := &TemplateStore{db: db}
	n, err := ts.SeedTemplatesFromYAML(context.Background(), []byte(""))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
