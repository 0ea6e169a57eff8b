package mapper

import (
	"github.com/xwb1989/sqlparser"
)

// SQLParser is an alternate mapper that classifies statements by parsing
// them with xwb1989/sqlparser instead of matching the leading keyword. It
// falls back to ReadOneWriteAll's keyword match when parsing fails (e.g.
// for dialect constructs the parser doesn't understand), so a query is
// never rejected purely because the richer classifier couldn't parse it.
type SQLParser struct{}

func init() {
	Register("sqlparser", SQLParser{})
}

// Map implements Mapper.
func (SQLParser) Map(query []byte) (Decision, []byte, error) {
	stmt, err := sqlparser.Parse(string(query))
	if err != nil {
		return ReadOneWriteAll{}.Map(query)
	}

	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Show, *sqlparser.OtherRead:
		return Any, nil, nil
	default:
		return All, nil, nil
	}
}
