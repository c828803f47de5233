package snowflake

import "strings"

// Config holds Snowflake warehouse configuration
type Config struct {
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
	// Table holds one row per person with the person_features columns.
	Table   string `yaml:"table"`
	Enabled bool   `yaml:"enabled"`
}

// DefaultTable is the feature table read when Config.Table is empty.
const DefaultTable = "PERSON_FEATURES"

// ParseConnectionString extracts components from the connection string
// Format: scheme=https;ACCOUNT=xxx;HOST=yyy;port=443;USER=zzz;PASSWORD=www;DB=aaa.bbb;WAREHOUSE=ccc
func ParseConnectionString(connStr string) Config {
	parts := make(map[string]string)
	for _, kv := range strings.Split(connStr, ";") {
		if idx := indexOfChar(kv, '='); idx > 0 {
			parts[strings.ToUpper(strings.TrimSpace(kv[:idx]))] = strings.TrimSpace(kv[idx+1:])
		}
	}

	// DB may carry database.schema
	db := parts["DB"]
	var database, schema string
	if idx := indexOfChar(db, '.'); idx > 0 {
		database = db[:idx]
		schema = db[idx+1:]
	} else {
		database = db
	}

	return Config{
		Account:   parts["ACCOUNT"],
		User:      parts["USER"],
		Password:  parts["PASSWORD"],
		Database:  database,
		Schema:    schema,
		Warehouse: parts["WAREHOUSE"],
	}
}

func indexOfChar(s string, c rune) int {
	for i, r := range s {
		if r == c {
			return i
		}
	}
	return -1
}
