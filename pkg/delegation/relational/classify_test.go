package relational

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyBasicStatements(t *testing.T) {
	cases := map[string]StatementKind{
		"SELECT 1":                          KindSelect,
		"select * from t":                   KindSelect,
		"INSERT INTO t(d) VALUES ('x')":     KindInsert,
		"update t set d = 'y'":              KindUpdate,
		"DELETE FROM t WHERE id = 1":        KindDelete,
		"CREATE TABLE t (id int)":           KindCreate,
		"DROP TABLE t":                      KindDrop,
		"TRUNCATE t":                        KindTruncate,
		"GRANT SELECT ON t TO role":         KindOther,
		"  \n  SELECT * FROM t":             KindSelect,
	}
	for sql, want := range cases {
		assert.Equal(t, want, Classify(sql), "sql=%q", sql)
	}
}

func TestClassifySkipsLeadingComments(t *testing.T) {
	sql := "-- a comment\n/* block\ncomment */\nSELECT 1"
	assert.Equal(t, KindSelect, Classify(sql))
}

func TestClassifyTreatsCTEAsOther(t *testing.T) {
	sql := "WITH x AS (SELECT 1) SELECT * FROM x"
	assert.Equal(t, KindOther, Classify(sql), "CTE trailing statement is not inspected, so it must classify as OTHER")
}

func TestClassifyTreatsAnonymousDoBlockAsOther(t *testing.T) {
	sql := "DO $$ BEGIN RAISE NOTICE 'hi'; END $$;"
	assert.Equal(t, KindOther, Classify(sql))
}

func TestClassifyUnterminatedCommentYieldsOther(t *testing.T) {
	assert.Equal(t, KindOther, Classify("-- dangling comment with no newline"))
}
