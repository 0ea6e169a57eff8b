package mapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadOneWriteAllReadsGoAny(t *testing.T) {
	m := ReadOneWriteAll{}
	for _, q := range []string{"SELECT 1", "select * from t", "SHOW TABLES", "describe t", "EXPLAIN SELECT 1"} {
		d, rewritten, err := m.Map([]byte(q))
		require.NoError(t, err)
		assert.Equal(t, Any, d, q)
		assert.Nil(t, rewritten)
	}
}

func TestReadOneWriteAllWritesGoAll(t *testing.T) {
	m := ReadOneWriteAll{}
	for _, q := range []string{"INSERT INTO t VALUES(1)", "UPDATE t SET a=1", "DELETE FROM t"} {
		d, _, err := m.Map([]byte(q))
		require.NoError(t, err)
		assert.Equal(t, All, d, q)
	}
}

func TestLookupAbsentNameIsAny(t *testing.T) {
	assert.Nil(t, Lookup(""))
}

func TestLookupKnownName(t *testing.T) {
	assert.NotNil(t, Lookup("read-one-write-all"))
	assert.NotNil(t, Lookup("sqlparser"))
}

func TestSQLParserClassifiesSelectAsAny(t *testing.T) {
	d, _, err := SQLParser{}.Map([]byte("SELECT * FROM users WHERE id = 1"))
	require.NoError(t, err)
	assert.Equal(t, Any, d)
}

func TestSQLParserClassifiesInsertAsAll(t *testing.T) {
	d, _, err := SQLParser{}.Map([]byte("INSERT INTO users (id) VALUES (1)"))
	require.NoError(t, err)
	assert.Equal(t, All, d)
}

func TestSQLParserFallsBackOnParseFailure(t *testing.T) {
	d, _, err := SQLParser{}.Map([]byte("THIS IS NOT SQL AT ALL {{{"))
	require.NoError(t, err)
	assert.Equal(t, All, d)
}
