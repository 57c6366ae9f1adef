package mssql

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/katasec/mssql-changestream/internal/config"
	"github.com/katasec/mssql-changestream/pkg/cdc"
)

func jsonNames(t reflect.Type) []string {
	var names []string
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if tag != "" && tag != "-" {
			names = append(names, tag)
		}
	}
	return names
}

func TestSchemaCoversConfig(t *testing.T) {
	schema, err := (&Plugin{}).GetSchema(context.Background())
	require.NoError(t, err)

	byName := map[string]*FieldSchema{}
	var names []string
	for _, f := range schema {
		byName[f.Name] = f
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, jsonNames(reflect.TypeOf(config.Config{})), names)

	nested := map[string]reflect.Type{
		"lock":         reflect.TypeOf(config.LockConfig{}),
		"ingest_queue": reflect.TypeOf(config.IngestQueueConfig{}),
		"polling":      reflect.TypeOf(config.PollingConfig{}),
		"checkpoint":   reflect.TypeOf(config.CheckpointConfig{}),
		"logging":      reflect.TypeOf(config.LoggingConfig{}),
	}
	for name, typ := range nested {
		var fields []string
		for _, f := range byName[name].Fields {
			fields = append(fields, f.Name)
		}
		assert.ElementsMatch(t, jsonNames(typ), fields, name)
	}
}

func TestPluginStartRejectsInvalidConfig(t *testing.T) {
	p := &Plugin{}
	assert.Error(t, p.Start(context.Background(), nil))

	s, err := structpb.NewStruct(map[string]any{"db_connection_string": "server=db01"})
	require.NoError(t, err)
	assert.ErrorContains(t, p.Start(context.Background(), s), "Tables")
}

func TestSchemaCommand(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"schema"})
	require.NoError(t, root.Execute())

	var schema []FieldSchema
	require.NoError(t, json.Unmarshal(out.Bytes(), &schema))
	require.NotEmpty(t, schema)
	assert.Equal(t, "db_connection_string", schema[0].Name)
	assert.True(t, schema[0].Required)
}

func TestRunCommandRequiresConfig(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"run"})
	assert.ErrorContains(t, root.Execute(), `required flag(s) "config" not set`)
}

func TestMaxMessageSize(t *testing.T) {
	assert.Equal(t, 256*1024, maxMessageSize(config.IngestQueueConfig{SKU: config.SKUStandard}))
	assert.Equal(t, 1024*1024, maxMessageSize(config.IngestQueueConfig{SKU: config.SKUPremium}))
}

type closingPublisher struct{ closed bool }

func (c *closingPublisher) PublishChanges([]cdc.ChangeEvent) (<-chan bool, error) {
	return nil, errors.New("not expected")
}

func (c *closingPublisher) Close() error {
	c.closed = true
	return nil
}

func newTestIngester(t *testing.T, tables ...string) (*Ingester, sqlmock.Sqlmock, *closingPublisher) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	cfg := &config.Config{DBConnectionString: "server=db01", Tables: tables}
	require.NoError(t, cfg.Validate())

	pub := &closingPublisher{}
	ing := NewIngester(cfg)
	ing.dbConn = conn
	ing.newPublisher = func(string) (cdc.ChangePublisher, error) { return pub, nil }
	return ing, mock, pub
}

func TestIngesterRequiresCDC(t *testing.T) {
	ing, mock, _ := newTestIngester(t, "dbo.Persons")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT is_cdc_enabled")).
		WillReturnRows(sqlmock.NewRows([]string{"is_cdc_enabled"}).AddRow(false))

	assert.ErrorContains(t, ing.Start(context.Background()), "not enabled")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngesterIsolatesFailingTable(t *testing.T) {
	ing, mock, pub := newTestIngester(t, "dbo.Persons", "not.a.valid.name")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT is_cdc_enabled")).
		WillReturnRows(sqlmock.NewRows([]string{"is_cdc_enabled"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE [cdc_offsets]")).
		WillReturnError(errors.New("permission denied"))

	require.NoError(t, ing.Start(context.Background()))
	assert.True(t, pub.closed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
