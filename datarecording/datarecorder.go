// Package datarecording stores structured simulation results in a SQLite
// database, one table per record type.
package datarecording

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/structs"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// DataRecorder is a backend that can record and store data
type DataRecorder interface {
	// CreateTable creates a new table for entries shaped like sampleEntry
	CreateTable(tableName string, sampleEntry any)

	// InsertData writes a same-type entry into a table that already exists
	InsertData(tableName string, entry any)

	// ListTables returns a slice containing names of all tables
	ListTables() []string

	// Flush flushes all the buffered entries into the database
	Flush()

	// Close flushes and closes the database
	Close()
}

// NewDataRecorder creates a DataRecorder backed by a SQLite file at path.
func NewDataRecorder(path string) DataRecorder {
	w := &sqliteWriter{
		path:      path,
		batchSize: 100000,
		tables:    make(map[string]*table),
	}

	w.init()

	atexit.Register(func() { w.Flush() })

	return w
}

type table struct {
	structType reflect.Type
	entries    []any
}

// sqliteWriter is the writer that writes data into SQLite database
type sqliteWriter struct {
	*sql.DB

	path       string
	tables     map[string]*table
	batchSize  int
	entryCount int
}

func (t *sqliteWriter) init() {
	if t.path == "" {
		t.path = "imic_sds_recording_" + xid.New().String()
	}

	filename := t.path + ".sqlite3"

	if _, err := os.Stat(filename); err == nil {
		panic(fmt.Errorf("file %s already exists", filename))
	}

	fmt.Fprintf(os.Stderr, "Database created for recording: %s\n", filename)

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		panic(err)
	}

	// sql.Open connects lazily; ping so that the file exists from here on.
	if err := db.Ping(); err != nil {
		panic(err)
	}

	t.DB = db
}

func (t *sqliteWriter) isAllowedType(kind reflect.Kind) bool {
	switch kind {
	case
		reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32,
		reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

func (t *sqliteWriter) checkStructFields(entry any) error {
	types := reflect.TypeOf(entry)

	for i := 0; i < types.NumField(); i++ {
		field := types.Field(i)
		if !t.isAllowedType(field.Type.Kind()) {
			return errors.New("entry field " + field.Name + " is not storable")
		}
	}

	return nil
}

// CreateTable creates a table whose columns are the field names of
// sampleEntry.
func (t *sqliteWriter) CreateTable(tableName string, sampleEntry any) {
	if err := t.checkStructFields(sampleEntry); err != nil {
		panic(err)
	}

	names := structs.Names(sampleEntry)
	fields := strings.Join(names, ", \n\t")

	createTableSQL := `CREATE TABLE ` + tableName +
		` (` + "\n\t" + fields + "\n" + `);`
	t.mustExecute(createTableSQL)

	t.tables[tableName] = &table{
		structType: reflect.TypeOf(sampleEntry),
		entries:    []any{},
	}
}

// InsertData buffers one entry for the named table.
func (t *sqliteWriter) InsertData(tableName string, entry any) {
	tbl, exists := t.tables[tableName]
	if !exists {
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	if reflect.TypeOf(entry) != tbl.structType {
		panic(fmt.Sprintf("entry type mismatch for table %s", tableName))
	}

	tbl.entries = append(tbl.entries, entry)

	t.entryCount++
	if t.entryCount >= t.batchSize {
		t.Flush()
	}
}

// ListTables returns the names of all created tables.
func (t *sqliteWriter) ListTables() []string {
	tables := make([]string, 0, len(t.tables))
	for name := range t.tables {
		tables = append(tables, name)
	}
	return tables
}

// Flush writes all buffered entries in one transaction per table.
func (t *sqliteWriter) Flush() {
	for name, tbl := range t.tables {
		if len(tbl.entries) == 0 {
			continue
		}

		t.flushTable(name, tbl)
		tbl.entries = tbl.entries[:0]
	}

	t.entryCount = 0
}

func (t *sqliteWriter) flushTable(name string, tbl *table) {
	tx, err := t.Begin()
	if err != nil {
		panic(err)
	}

	numFields := tbl.structType.NumField()
	placeholders := strings.TrimSuffix(
		strings.Repeat("?, ", numFields), ", ")
	insertSQL := `INSERT INTO ` + name + ` VALUES (` + placeholders + `)`

	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		panic(err)
	}

	for _, entry := range tbl.entries {
		if _, err := stmt.Exec(structs.Values(entry)...); err != nil {
			panic(err)
		}
	}

	if err := stmt.Close(); err != nil {
		panic(err)
	}
	if err := tx.Commit(); err != nil {
		panic(err)
	}
}

// Close flushes and closes the database.
func (t *sqliteWriter) Close() {
	t.Flush()

	if err := t.DB.Close(); err != nil {
		panic(err)
	}
}

func (t *sqliteWriter) mustExecute(query string) sql.Result {
	res, err := t.Exec(query)
	if err != nil {
		panic(fmt.Sprintf("error %v executing %s", err, query))
	}
	return res
}
